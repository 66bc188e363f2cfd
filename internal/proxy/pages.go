package proxy

import (
	"bytes"
	"fmt"
	"html/template"
	"net/http"
	"strconv"
	"time"
)

// PageData is passed to the block and error page templates.
type PageData struct {
	Title     string
	Host      string
	URL       string
	Reason    string
	Category  string
	Status    int
	Timestamp string
}

const pageHTML = `<!DOCTYPE html>
<html lang="en">
<head>
    <meta charset="UTF-8">
    <meta name="viewport" content="width=device-width, initial-scale=1.0">
    <title>{{.Title}}</title>
    <style>
        body {
            font-family: -apple-system, BlinkMacSystemFont, 'Segoe UI', Roboto, sans-serif;
            background: #16213e;
            color: #e0e0e0;
            min-height: 100vh;
            margin: 0;
            display: flex;
            align-items: center;
            justify-content: center;
        }
        .container {
            background: rgba(255, 255, 255, 0.05);
            border: 1px solid rgba(255, 255, 255, 0.1);
            border-radius: 16px;
            padding: 36px 44px;
            max-width: 560px;
            width: 90%;
        }
        h1 { margin: 0 0 12px; color: #fff; font-size: 26px; }
        p { color: #a0a0a0; }
        .row { margin: 8px 0; font-size: 14px; word-break: break-all; }
        .label { color: #888; display: inline-block; min-width: 80px; }
        .badge { background: rgba(231, 76, 60, 0.2); color: #e74c3c; padding: 3px 10px; border-radius: 12px; }
    </style>
</head>
<body>
    <div class="container">
        <h1>{{.Title}}</h1>
        <p>{{.Reason}}</p>
        {{if .Host}}<div class="row"><span class="label">Host</span>{{.Host}}</div>{{end}}
        {{if .URL}}<div class="row"><span class="label">URL</span>{{.URL}}</div>{{end}}
        {{if .Category}}<div class="row"><span class="label">Category</span><span class="badge">{{.Category}}</span></div>{{end}}
        <div class="row"><span class="label">Time</span>{{.Timestamp}}</div>
    </div>
</body>
</html>`

// Pages renders the self-contained HTML served for blocked and failed requests.
type Pages struct {
	template *template.Template
}

// NewPages creates a renderer with the default template.
func NewPages() *Pages {
	return &Pages{template: template.Must(template.New("page").Parse(pageHTML))}
}

// NewPagesFromTemplate creates a renderer from a custom template string.
func NewPagesFromTemplate(templateStr string) (*Pages, error) {
	tmpl, err := template.New("page").Parse(templateStr)
	if err != nil {
		return nil, err
	}
	return &Pages{template: tmpl}, nil
}

// Render returns the rendered page.
func (p *Pages) Render(data PageData) []byte {
	if data.Timestamp == "" {
		data.Timestamp = time.Now().Format(time.RFC3339)
	}
	var buf bytes.Buffer
	if err := p.template.Execute(&buf, data); err != nil {
		// The built-in template cannot fail; a custom one may.
		return []byte(fmt.Sprintf("<html><body><h1>%s</h1></body></html>", template.HTMLEscapeString(data.Title)))
	}
	return buf.Bytes()
}

// BlockData builds the page data for a blocked host.
func BlockData(host, url, category string) PageData {
	return PageData{
		Title:    "Access Blocked",
		Host:     host,
		URL:      url,
		Reason:   "This site is on your block list.",
		Category: category,
		Status:   http.StatusOK,
	}
}

// ErrorData builds the page data for a request that could not be served.
func ErrorData(status int, host, reason string) PageData {
	return PageData{
		Title:  strconv.Itoa(status) + " " + http.StatusText(status),
		Host:   host,
		Reason: reason,
		Status: status,
	}
}

// Write sends a rendered page. Block pages always go out as 200 so the
// browser renders them instead of its own error screen.
func (p *Pages) Write(w http.ResponseWriter, data PageData) {
	body := p.Render(data)
	status := data.Status
	if status == 0 {
		status = http.StatusOK
	}
	h := w.Header()
	h.Set("Content-Type", "text/html; charset=utf-8")
	h.Set("Content-Length", strconv.Itoa(len(body)))
	h.Set("Cache-Control", "no-store")
	w.WriteHeader(status)
	_, _ = w.Write(body)
}

// Response builds a raw HTTP/1.1 response, for connections that were
// hijacked away from net/http.
func (p *Pages) Response(data PageData, closeConn bool) []byte {
	body := p.Render(data)
	status := data.Status
	if status == 0 {
		status = http.StatusOK
	}

	var buf bytes.Buffer
	fmt.Fprintf(&buf, "HTTP/1.1 %d %s\r\n", status, http.StatusText(status))
	buf.WriteString("Content-Type: text/html; charset=utf-8\r\n")
	buf.WriteString("Cache-Control: no-store\r\n")
	fmt.Fprintf(&buf, "Content-Length: %d\r\n", len(body))
	if closeConn {
		buf.WriteString("Connection: close\r\n")
	}
	buf.WriteString("\r\n")
	buf.Write(body)
	return buf.Bytes()
}
