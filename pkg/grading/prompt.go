package grading

import (
	"fmt"
	"strings"

	"github.com/chunchiehdev/gradeflow/pkg/aiprovider"
)

// resultSchema builds the structured-output schema for a rubric. The
// breakdown length is pinned to the criteria count so a response cannot skip
// or invent criteria.
func resultSchema(rubric *Rubric) *aiprovider.Schema {
	n := len(rubric.Criteria)
	return &aiprovider.Schema{
		Type: aiprovider.TypeObject,
		Properties: map[string]*aiprovider.Schema{
			"totalScore": {
				Type:        aiprovider.TypeNumber,
				Description: "total score awarded",
			},
			"maxScore": {
				Type:        aiprovider.TypeNumber,
				Description: "maximum possible score",
			},
			"breakdown": {
				Type:     aiprovider.TypeArray,
				MinItems: n,
				MaxItems: n,
				Items: &aiprovider.Schema{
					Type: aiprovider.TypeObject,
					Properties: map[string]*aiprovider.Schema{
						"criteriaId": {
							Type:        aiprovider.TypeString,
							Description: "criterion id, must exactly match a provided id",
						},
						"name": {
							Type:        aiprovider.TypeString,
							Description: "criterion name",
						},
						"score": {
							Type:        aiprovider.TypeNumber,
							Description: "score for this criterion, between 0 and its maximum",
						},
						"feedback": {
							Type:        aiprovider.TypeString,
							Description: "detailed feedback: cite the text, note strengths, suggest improvements, justify the score",
						},
					},
					Required: []string{"criteriaId", "name", "score", "feedback"},
				},
				Description: fmt.Sprintf("feedback for all %d criteria", n),
			},
			"overallFeedback": {
				Type:        aiprovider.TypeString,
				Description: "overall assessment covering main strengths and directions for improvement",
			},
		},
		Required: []string{"totalScore", "maxScore", "breakdown", "overallFeedback"},
	}
}

// renderRubricContext renders the rubric as reusable prompt context. Every
// submission graded against the same rubric shares this text, which makes it
// the unit of provider-side context caching.
func renderRubricContext(rubric *Rubric, language string) string {
	var b strings.Builder
	if language == "zh" {
		fmt.Fprintf(&b, "評分標準「%s」，滿分 %.0f 分。\n\n", rubric.Name, rubric.MaxScore())
	} else {
		fmt.Fprintf(&b, "Rubric %q, maximum score %.0f.\n\n", rubric.Name, rubric.MaxScore())
	}
	for i, c := range rubric.Criteria {
		fmt.Fprintf(&b, "%d. [%s] %s (max %.0f)\n", i+1, c.ID, c.Name, c.MaxScore)
		if c.Description != "" {
			fmt.Fprintf(&b, "   %s\n", c.Description)
		}
	}
	return b.String()
}

func buildPrompt(submission *Submission, rubric *Rubric, language string) string {
	var b strings.Builder
	if language == "zh" {
		fmt.Fprintf(&b, "請根據評分標準評閱以下作業。\n\n**檔案名稱**: %s\n\n**作業內容**:\n%s\n",
			submission.FileName, submission.Content)
		fmt.Fprintf(&b, "\n請對全部 %d 個評分標準逐項給分並提供具體反饋。", len(rubric.Criteria))
	} else {
		fmt.Fprintf(&b, "Grade the following submission against the rubric.\n\n**File**: %s\n\n**Submission**:\n%s\n",
			submission.FileName, submission.Content)
		fmt.Fprintf(&b, "\nScore each of the %d criteria and give concrete feedback for every one.", len(rubric.Criteria))
	}
	return b.String()
}

func systemInstruction(language string) string {
	if language == "zh" {
		return "你是一位嚴謹且具建設性的教師。根據提供的評分標準評閱學生作業，" +
			"每項標準都要引用原文佐證、指出優點與改進方向，並以繁體中文回覆。"
	}
	return "You are a rigorous and constructive grader. Evaluate the student submission " +
		"strictly against the provided rubric, cite the text in your feedback, and " +
		"explain every score."
}
