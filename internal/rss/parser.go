package rss

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/mmcdole/gofeed"
	ext "github.com/mmcdole/gofeed/extensions"
	"golang.org/x/net/html/charset"

	"github.com/iabetor/feedbuddy/internal/logger"
)

// 可配置的必填字段名。
const (
	FieldTitle       = "title"
	FieldLink        = "link"
	FieldDescription = "description"
	FieldPubDate     = "pubDate"
)

const (
	defaultMaxTitleLen       = 57
	defaultMaxDescriptionLen = 160
)

// ParserOptions 解析器选项。
type ParserOptions struct {
	MaxTitleLen       int
	MaxDescriptionLen int
	// RequiredFields 缺失任一字段的条目会被跳过，默认 title 和 link。
	RequiredFields []string
	// Strict 为 true 时缺失必填字段直接使整个 Feed 解析失败。
	Strict bool
}

// Parser 将原始 Feed 文档转换为归一化的 Article 列表。
// 可并发使用：每次解析都创建新的 gofeed 解析器。
type Parser struct {
	opts     ParserOptions
	required []string
}

// ParseResult 单个 Feed 的解析结果。
type ParseResult struct {
	Title    string
	Articles []Article
	Skipped  int
}

// NewParser 创建解析器，未设置的选项使用默认值。
func NewParser(opts ParserOptions) *Parser {
	if opts.MaxTitleLen <= 0 {
		opts.MaxTitleLen = defaultMaxTitleLen
	}
	if opts.MaxDescriptionLen <= 0 {
		opts.MaxDescriptionLen = defaultMaxDescriptionLen
	}
	required := opts.RequiredFields
	if len(required) == 0 {
		required = []string{FieldTitle, FieldLink}
	}
	return &Parser{opts: opts, required: required}
}

// Parse 解析文档并返回文章列表。文档不是合法 Feed 时返回 *ParseError。
func (p *Parser) Parse(data []byte) ([]Article, error) {
	res, err := p.ParseFeed(data)
	if err != nil {
		return nil, err
	}
	return res.Articles, nil
}

// ParseFeed 解析文档，同时返回 Feed 标题和被跳过的条目数。
func (p *Parser) ParseFeed(data []byte) (*ParseResult, error) {
	if err := checkWellFormed(data); err != nil {
		return nil, &ParseError{Err: err}
	}
	feed, err := gofeed.NewParser().Parse(bytes.NewReader(data))
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	res := &ParseResult{
		Title:    strings.TrimSpace(feed.Title),
		Articles: make([]Article, 0, len(feed.Items)),
	}
	for i, item := range feed.Items {
		if item == nil {
			continue
		}
		description := item.Description
		if strings.TrimSpace(description) == "" {
			description = item.Content
		}

		if missing := p.missingField(item, description); missing != "" {
			if p.opts.Strict {
				return nil, &ParseError{Err: fmt.Errorf("第 %d 个条目缺少 %s", i+1, missing)}
			}
			logger.Warnf("[rss] 跳过 %q 的第 %d 个条目: 缺少 %s", res.Title, i+1, missing)
			res.Skipped++
			continue
		}

		res.Articles = append(res.Articles, Article{
			SourceTitle: res.Title,
			Title:       Truncate(strings.TrimSpace(item.Title), p.opts.MaxTitleLen),
			Link:        strings.TrimSpace(item.Link),
			Description: Truncate(strings.TrimSpace(description), p.opts.MaxDescriptionLen),
			Published:   publishedAt(item),
			Category:    category(item),
			ImageURL:    mediaImage(item.Extensions),
			Author:      author(item),
		})
	}
	return res, nil
}

// missingField 返回第一个缺失的必填字段，全部存在时返回空字符串。
func (p *Parser) missingField(item *gofeed.Item, description string) string {
	for _, field := range p.required {
		var value string
		switch field {
		case FieldTitle:
			value = item.Title
		case FieldLink:
			value = item.Link
		case FieldDescription:
			value = description
		case FieldPubDate:
			value = item.Published
			if value == "" {
				value = item.Updated
			}
		default:
			continue
		}
		if strings.TrimSpace(value) == "" {
			return field
		}
	}
	return ""
}

// checkWellFormed 严格模式逐个读取 XML 记号，拒绝裸 & 和不配对的结束标签。
// gofeed 的解析器较宽松，不做这项检查。
func checkWellFormed(data []byte) error {
	d := xml.NewDecoder(bytes.NewReader(data))
	d.Entity = xml.HTMLEntity
	d.CharsetReader = charset.NewReaderLabel

	root := false
	for {
		tok, err := d.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return err
		}
		if _, ok := tok.(xml.StartElement); ok {
			root = true
		}
	}
	if !root {
		return errors.New("文档不包含 XML 根元素")
	}
	return nil
}

// Truncate 按字符数（UTF-8）截断字符串，超出时追加省略号。
// 对已截断的结果再次截断得到相同字符串。
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || utf8.RuneCountInString(s) <= maxLen {
		return s
	}
	runes := []rune(s)
	return string(runes[:maxLen]) + Ellipsis
}

// publishedAt 优先使用发布时间，其次更新时间；都无法解析时返回零值（排序时排在最后）。
func publishedAt(item *gofeed.Item) time.Time {
	if item.PublishedParsed != nil {
		return *item.PublishedParsed
	}
	if item.UpdatedParsed != nil {
		return *item.UpdatedParsed
	}
	if item.Published != "" {
		logger.Debugf("[rss] 无法解析发布时间 %q: %s", item.Published, item.Link)
	}
	return time.Time{}
}

func category(item *gofeed.Item) string {
	for _, c := range item.Categories {
		if c = strings.TrimSpace(c); c != "" {
			return c
		}
	}
	return DefaultCategory
}

func author(item *gofeed.Item) string {
	people := item.Authors
	if item.Author != nil {
		people = append([]*gofeed.Person{item.Author}, people...)
	}
	for _, p := range people {
		if p == nil {
			continue
		}
		if name := strings.TrimSpace(p.Name); name != "" {
			return name
		}
		if email := strings.TrimSpace(p.Email); email != "" {
			return email
		}
	}
	return ""
}

// mediaImage 从 media 命名空间中取第一个带 url 属性的元素。
// 依次查找 content、thumbnail、media:group 子元素，最后是其余元素。
func mediaImage(exts ext.Extensions) string {
	media, ok := exts["media"]
	if !ok {
		return ""
	}

	preferred := []string{"content", "thumbnail"}
	for _, name := range preferred {
		if u := firstURL(media[name]); u != "" {
			return u
		}
	}
	for _, group := range media["group"] {
		for _, name := range preferred {
			if u := firstURL(group.Children[name]); u != "" {
				return u
			}
		}
	}

	rest := make([]string, 0, len(media))
	for name := range media {
		if name != "content" && name != "thumbnail" && name != "group" {
			rest = append(rest, name)
		}
	}
	sort.Strings(rest)
	for _, name := range rest {
		if u := firstURL(media[name]); u != "" {
			return u
		}
	}
	return ""
}

func firstURL(elems []ext.Extension) string {
	for _, e := range elems {
		if u := strings.TrimSpace(e.Attrs["url"]); u != "" {
			return u
		}
	}
	return ""
}
