package rss

import (
	"sort"

	"github.com/samber/lo"
)

// SourceResult 单个订阅源在一轮聚合中的结果。
type SourceResult struct {
	Source   string
	Title    string
	Articles []Article
	Skipped  int
	Err      error
}

// Aggregate 合并所有成功的订阅源结果，按发布时间倒序排列。
// 发布时间相同时保持输入顺序（稳定排序）。
func Aggregate(results []SourceResult) []Article {
	total := 0
	for _, r := range results {
		if r.Err == nil {
			total += len(r.Articles)
		}
	}

	all := make([]Article, 0, total)
	for _, r := range results {
		if r.Err != nil {
			continue
		}
		all = append(all, r.Articles...)
	}

	sort.SliceStable(all, func(i, j int) bool {
		return all[i].Published.After(all[j].Published)
	})
	return all
}

// Categories 返回集合中出现过的分类（按首次出现顺序），第一个元素总是 AllCategories。
func Categories(articles []Article) []string {
	cats := lo.Map(articles, func(a Article, _ int) string { return a.Category })
	return lo.Uniq(append([]string{AllCategories}, cats...))
}

// Filter 返回指定分类下的文章；category 为空或 AllCategories 时返回全部。
func Filter(articles []Article, category string) []Article {
	if category == "" || category == AllCategories {
		return articles
	}
	return lo.Filter(articles, func(a Article, _ int) bool {
		return a.Category == category
	})
}
