package server

import (
	"bytes"
	"fmt"
	"html/template"
	"strings"
	"sync"

	"github.com/microcosm-cc/bluemonday"
	"github.com/yuin/goldmark"
	"github.com/yuin/goldmark/extension"
	"github.com/yuin/goldmark/renderer/html"
)

var (
	markdown = goldmark.New(
		goldmark.WithExtensions(extension.Linkify, extension.Strikethrough),
		goldmark.WithRendererOptions(html.WithHardWraps()),
	)

	postPolicyOnce sync.Once
	postPolicy     *bluemonday.Policy
)

// postHTMLPolicy allows the formatting a rendered post can contain and
// nothing else. Drafts are model output and are never trusted.
func postHTMLPolicy() *bluemonday.Policy {
	postPolicyOnce.Do(func() {
		policy := bluemonday.UGCPolicy()
		policy.AllowURLSchemes("http", "https", "mailto")
		policy.RequireParseableURLs(true)
		policy.AddTargetBlankToFullyQualifiedLinks(true)
		postPolicy = policy
	})
	return postPolicy
}

// RenderPostHTML converts a markdown draft to sanitised HTML. Single line
// breaks are kept, since posts rely on them for layout.
func RenderPostHTML(md string) (string, error) {
	md = strings.TrimSpace(md)
	if md == "" {
		return "", nil
	}
	var buf bytes.Buffer
	if err := markdown.Convert([]byte(md), &buf); err != nil {
		return "", fmt.Errorf("render markdown: %w", err)
	}
	return strings.TrimSpace(postHTMLPolicy().Sanitize(buf.String())), nil
}

var previewPage = template.Must(template.New("preview").Parse(`<!doctype html>
<html>
<head>
<meta charset="utf-8">
<meta name="viewport" content="width=device-width, initial-scale=1">
<title>{{.Topic}}</title>
</head>
<body style="font-family:system-ui,-apple-system,Segoe UI,Roboto,Helvetica,Arial,sans-serif;background:#f3f2ef;margin:0">
<article style="max-width:560px;margin:32px auto;background:#fff;border:1px solid #e0dfdc;border-radius:8px;padding:16px 20px;line-height:1.5">
<header style="font-size:12px;color:#666;margin-bottom:12px">{{.Topic}} &middot; {{.Status}} &middot; revision {{.Revision}}{{if ge .Score 0}} &middot; groundedness {{.Score}}/5{{end}}</header>
{{.Body}}
</article>
</body>
</html>
`))

type previewData struct {
	Topic    string
	Status   string
	Revision int
	Score    int
	Body     template.HTML
}

// safeHTML marks output of RenderPostHTML as already sanitised.
func safeHTML(s string) template.HTML { return template.HTML(s) }

func renderPreviewPage(data previewData) (string, error) {
	var buf bytes.Buffer
	if err := previewPage.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}
