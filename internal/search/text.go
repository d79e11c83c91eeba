package search

import (
	"encoding/json"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

type editorBody struct {
	Blocks []struct {
		Type string `json:"type"`
		Data struct {
			Text  string   `json:"text"`
			Items []string `json:"items"`
		} `json:"data"`
	} `json:"blocks"`
}

// PlainText extracts readable text from a message body. Bodies are editor
// JSON documents whose block texts may carry inline markup; anything that is
// not such a document is treated as markup itself.
func PlainText(body string) string {
	body = strings.TrimSpace(body)
	if body == "" {
		return ""
	}
	var doc editorBody
	if err := json.Unmarshal([]byte(body), &doc); err != nil || len(doc.Blocks) == 0 {
		return stripMarkup(body)
	}
	parts := make([]string, 0, len(doc.Blocks))
	for _, block := range doc.Blocks {
		if text := stripMarkup(block.Data.Text); text != "" {
			parts = append(parts, text)
		}
		for _, item := range block.Data.Items {
			if text := stripMarkup(item); text != "" {
				parts = append(parts, text)
			}
		}
	}
	return strings.Join(parts, "\n")
}

func stripMarkup(fragment string) string {
	if !strings.ContainsAny(fragment, "<&") {
		return strings.TrimSpace(fragment)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(fragment))
	if err != nil {
		return strings.TrimSpace(fragment)
	}
	return strings.Join(strings.Fields(doc.Text()), " ")
}
