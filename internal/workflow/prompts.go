package workflow

import (
	"bytes"
	"strings"
	"text/template"
)

const supervisorPrompt = `You are a content project supervisor managing a LinkedIn post creation workflow.

Current Task: {{.Topic}}

Current State:
- Research Insights: {{.FindingsInline}}
- Post Draft: {{.Draft}}
- Reviewer Feedback: {{.Critique}}
- Revision Number: {{.Revision}}

Post Configuration:
- Tone: {{.Config.Tone}}
- Target Audience: {{.Config.TargetAudience}}
- Word Count: {{.Config.WordCountMin}}-{{.Config.WordCountMax}} words
- Language: {{.Config.Language}}

Decide the next step and respond ONLY with a JSON object:

{"next_step": "researcher" | "writer" | "END", "task_description": "what needs to be done next"}

Decision rules:
- No research yet: "researcher"
- Research but no draft: "writer"
- Draft exists and the reviewer said "APPROVED": "END"
- Draft needs revision: "writer"
- Revision number >= {{.Config.MaxRevisions}}: "END"
`

const researchSummaryPrompt = `Based on these search results about '{{.Query}}' for an audience of {{.Config.TargetAudience}}, provide a concise summary of key findings (5-7 bullet points).

Focus on trends, real-world use cases, supporting data from credible sources and simple explanations for semi-technical readers. Cite sources briefly where useful.

{{.Results}}
`

const writerPrompt = `You are a professional LinkedIn post writer.

Main Task: {{.Topic}}

Research Findings:
{{.FindingsBlock}}

Current Draft: {{.Draft}}

Critique Notes: {{.Critique}}

Post Configuration:
- Tone: {{.Config.Tone}}
- Target Audience: {{.Config.TargetAudience}}
- Word Count: {{.Config.WordCountMin}}-{{.Config.WordCountMax}} words
- Language: {{.Config.Language}}
- Include Hashtags: {{.Config.IncludeHashtags}}
- Include Call-to-Action: {{.Config.IncludeCTA}}
- Include Emoji: {{.Config.IncludeEmoji}}
{{if .Config.TemplateInstructions}}
Template Instructions:
{{.Config.TemplateInstructions}}
{{end}}
Instructions:
- Without a current draft, write a complete post from the findings.
- With a current draft and critique notes, revise the draft to address all feedback.
- Structure: hook, insights, lessons or tips, takeaway, conclusion.
- Keep the requested tone throughout and aim for {{.Config.WordCountMin}}-{{.Config.WordCountMax}} words.
- End with a question or call-to-action if configured.
- Add 3-5 relevant hashtags at the end if configured.
- Write in {{.Config.Language}}.

Write the complete LinkedIn post now:
`

const criticPrompt = `You are a critical reviewer evaluating content for a LinkedIn post.

Main Task: {{.Topic}}

Post Configuration:
- Tone: {{.Config.Tone}}
- Target Audience: {{.Config.TargetAudience}}
- Word Count Target: {{.Config.WordCountMin}}-{{.Config.WordCountMax}} words

Draft to Review:
{{.Draft}}

Evaluate the draft on:
1. Hook strength: does the opening grab attention within the first two lines?
2. Clarity for the target audience.
3. Value: real insights, lessons or actionable takeaways.
4. Structure: short, skimmable paragraphs.
5. Engagement potential.
6. Tone consistency with the requested {{.Config.Tone}} tone.
7. Word count within {{.Config.WordCountMin}}-{{.Config.WordCountMax}} words.
8. Platform practice: line breaks, formatting, hashtags.

If the draft is satisfactory (minor issues are fine), respond with "APPROVED - <brief comment>".
Otherwise give specific, actionable feedback for the next revision.

Your response:
`

const groundednessPrompt = `You are a groundedness checker.

Evaluate whether the draft is supported by the research findings.

Research Findings:
{{.FindingsBlock}}

Draft:
{{.Draft}}

Instructions:
1. Identify each factual claim in the draft.
2. Check whether at least one research finding supports it.
3. List supported (fully or partially) and unsupported claims.
4. Score from 0 to 5: 5 all claims supported, 4 minor ungrounded phrasing, 3 several claims need verification, 2 mostly unsupported, 1 major unsupported statements, 0 completely ungrounded.
5. Suggest corrections for unsupported claims in notes.

Return JSON only:
{"supported": [...], "unsupported": [...], "score": 0, "notes": "..."}
`

var (
	supervisorTmpl   = template.Must(template.New("supervisor").Parse(supervisorPrompt))
	researchTmpl     = template.Must(template.New("research").Parse(researchSummaryPrompt))
	writerTmpl       = template.Must(template.New("writer").Parse(writerPrompt))
	criticTmpl       = template.Must(template.New("critic").Parse(criticPrompt))
	groundednessTmpl = template.Must(template.New("groundedness").Parse(groundednessPrompt))
)

type promptData struct {
	Topic          string
	FindingsInline string
	FindingsBlock  string
	Draft          string
	Critique       string
	Revision       int
	Query          string
	Results        string
	Config         Config
}

func newPromptData(st State) promptData {
	return promptData{
		Topic:          st.Topic,
		FindingsInline: orNone(strings.Join(st.ResearchFindings, "; ")),
		FindingsBlock:  orNone(strings.Join(st.ResearchFindings, "\n\n")),
		Draft:          orNone(st.Draft),
		Critique:       orNone(st.CritiqueNotes),
		Revision:       st.RevisionNumber,
		Config:         st.Config,
	}
}

func render(t *template.Template, data promptData) (string, error) {
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

func orNone(s string) string {
	if strings.TrimSpace(s) == "" {
		return "None"
	}
	return s
}
