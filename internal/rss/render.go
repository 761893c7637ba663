package rss

import (
	"regexp"
	"strings"

	"github.com/samber/lo"
	"golang.org/x/net/html"
)

// dateLayout 与浏览器 Date.toDateString() 的输出一致，如 "Thu Feb 19 2026"。
const dateLayout = "Mon Jan 02 2006"

// Entry 文章在列表中的展示数据。
type Entry struct {
	Title           string `json:"title"`
	Link            string `json:"link"`
	DescriptionHTML string `json:"description_html"`
	Excerpt         string `json:"excerpt"`
	ImageURL        string `json:"image_url,omitempty"`
	ImageAlt        string `json:"image_alt,omitempty"`
	Footer          string `json:"footer"`
	Pill            string `json:"pill,omitempty"`
	Category        string `json:"category"`
}

// Render 将文章集合投影为展示条目，顺序不变。
func Render(articles []Article) []Entry {
	return lo.Map(articles, func(a Article, _ int) Entry {
		e := Entry{
			Title:           a.Title,
			Link:            a.Link,
			DescriptionHTML: a.Description,
			Excerpt:         PlainText(a.Description),
			Footer:          footer(a),
			Pill:            a.SourceTitle,
			Category:        a.Category,
		}
		if a.ImageURL != "" {
			e.ImageURL = a.ImageURL
			e.ImageAlt = a.Title
		}
		return e
	})
}

func footer(a Article) string {
	parts := make([]string, 0, 2)
	if a.Author != "" {
		parts = append(parts, a.Author)
	}
	if !a.Published.IsZero() {
		parts = append(parts, "📅 "+a.Published.Format(dateLayout))
	}
	return strings.Join(parts, "   ")
}

var spaceRe = regexp.MustCompile(`\s+`)

// PlainText 剥离 HTML 标签（script/style 内容一并去掉）并合并空白，只保留纯文本。
func PlainText(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(spaceRe.ReplaceAllString(s, " "))
	}

	var sb strings.Builder
	z := html.NewTokenizer(strings.NewReader(s))
	skip := 0
	for {
		tt := z.Next()
		switch tt {
		case html.ErrorToken:
			// io.EOF 或截断的标记都在此结束，已收集的文本仍然有效
			return strings.TrimSpace(spaceRe.ReplaceAllString(sb.String(), " "))
		case html.StartTagToken:
			name, _ := z.TagName()
			if isRawTextTag(string(name)) {
				skip++
			}
			sb.WriteByte(' ')
		case html.EndTagToken:
			name, _ := z.TagName()
			if isRawTextTag(string(name)) && skip > 0 {
				skip--
			}
			sb.WriteByte(' ')
		case html.SelfClosingTagToken:
			sb.WriteByte(' ')
		case html.TextToken:
			if skip == 0 {
				sb.Write(z.Text())
			}
		}
	}
}

func isRawTextTag(name string) bool {
	return name == "script" || name == "style"
}
