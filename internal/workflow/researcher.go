package workflow

import (
	"context"
	"fmt"
	"strings"
)

const (
	researchTopResults  = 3
	researchSnippetSize = 300
	previewSize         = 200
)

func placeholderFinding(query string) string {
	return fmt.Sprintf("Research on %s - general information gathered", query)
}

func degradedFinding(query string) string {
	return fmt.Sprintf("Research on %s - information gathered from web sources.", query)
}

func (e *Engine) research(ctx context.Context, st State) outcome {
	query := strings.TrimSpace(st.CurrentSubTask)
	if query == "" {
		query = st.Topic
	}
	finding := placeholderFinding(query)
	sources := []map[string]string{}

	if e.searcher != nil {
		summary, used, err := e.searchAndSummarize(ctx, st, query)
		switch {
		case err != nil:
			e.logger.Printf("warn: research for %q degraded: %v", query, err)
			finding = degradedFinding(query)
		case summary != "":
			finding = summary
		}
		sources = append(sources, used...)
	}

	return outcome{
		delta:    Delta{ResearchFindings: []string{finding}},
		decision: "research complete",
		payload: map[string]any{
			"query":            query,
			"findings_preview": preview(finding, previewSize),
			"sources":          sources,
		},
	}
}

// searchAndSummarize returns an empty summary when the search yields nothing.
func (e *Engine) searchAndSummarize(ctx context.Context, st State, query string) (string, []map[string]string, error) {
	results, err := e.searcher.Search(ctx, query, e.maxResults)
	if err != nil {
		return "", nil, fmt.Errorf("search: %w", err)
	}
	if len(results) == 0 {
		return "", nil, nil
	}
	if len(results) > researchTopResults {
		results = results[:researchTopResults]
	}
	parts := make([]string, 0, len(results))
	sources := make([]map[string]string, 0, len(results))
	for _, r := range results {
		parts = append(parts, fmt.Sprintf("**%s**\nSource: %s\n%s...", r.Title, r.URL, preview(r.Content, researchSnippetSize)))
		sources = append(sources, map[string]string{"title": r.Title, "url": r.URL})
	}

	data := newPromptData(st)
	data.Query = query
	data.Results = strings.Join(parts, "\n---\n")
	prompt, err := render(researchTmpl, data)
	if err != nil {
		return "", sources, fmt.Errorf("render research prompt: %w", err)
	}
	summary, err := e.completer.Complete(ctx, prompt)
	if err != nil {
		return "", sources, fmt.Errorf("summarize: %w", err)
	}
	summary = strings.TrimSpace(summary)
	if summary == "" {
		return "", sources, fmt.Errorf("summarize: empty completion")
	}
	return summary, sources, nil
}
