package snapshot

import (
	"strings"
	"unicode/utf8"

	"github.com/easeaico/snaplocator/internal/uitree"
)

// PageTypeUnknown is reported for packages without a page table.
const PageTypeUnknown = "unknown"

type pageRule struct {
	keywords []string
	pageType string
}

// pageTables maps known packages to keyword rules, checked in order. A rule
// matches when every keyword appears in some node label.
var pageTables = map[string][]pageRule{
	"com.xingin.xhs": {
		{[]string{"发现", "首页"}, "xhs.home"},
		{[]string{"搜索"}, "xhs.search"},
		{[]string{"消息"}, "xhs.messages"},
		{[]string{"聊天"}, "xhs.messages"},
		{[]string{"粉丝"}, "xhs.profile"},
		{[]string{"关注"}, "xhs.profile"},
		{[]string{"评论"}, "xhs.detail"},
		{nil, "xhs.page"},
	},
	"com.tencent.mm": {
		{nil, "wechat.page"},
	},
	"com.ss.android.ugc.aweme": {
		{[]string{"首页"}, "douyin.home"},
		{nil, "douyin.page"},
	},
	"com.android.contacts": {
		{nil, "contacts"},
	},
}

// Analyze derives page facts from a hierarchy dump. Unparseable content
// yields an unknown page with zero counts.
func Analyze(content string) PageContext {
	tree, err := uitree.Parse(content)
	if err != nil {
		return PageContext{PageType: PageTypeUnknown}
	}
	return AnalyzeTree(tree)
}

// AnalyzeTree is Analyze over an already parsed tree.
func AnalyzeTree(tree *uitree.Tree) PageContext {
	var pc PageContext
	labels := make(map[string]struct{})
	for _, n := range tree.Nodes {
		if n == tree.Root && !n.HasBounds {
			continue
		}
		pc.ElementCount++
		if n.Clickable {
			pc.ClickableCount++
		}
		if strings.Contains(n.Class, "EditText") {
			pc.InputCount++
		}
		if pc.AppPackage == "" && n.Package != "" {
			pc.AppPackage = n.Package
		}
		if l := n.Label(); l != "" {
			labels[l] = struct{}{}
		}
	}
	pc.PageTitle = pageTitle(tree)
	pc.PageType = pageType(pc.AppPackage, labels)
	return pc
}

// pageTitle picks the first short non-clickable text in the top fifth of the screen.
func pageTitle(tree *uitree.Tree) string {
	screen := tree.Screen()
	limit := screen.Top + screen.Height()/5
	for _, n := range tree.Nodes {
		if n.Text == "" || n.Clickable || !n.HasBounds {
			continue
		}
		if n.Bounds.Top <= limit && utf8.RuneCountInString(n.Text) <= 20 {
			return n.Text
		}
	}
	return ""
}

func pageType(pkg string, labels map[string]struct{}) string {
	rules, ok := pageTables[pkg]
	if !ok {
		return PageTypeUnknown
	}
	for _, r := range rules {
		if containsAll(labels, r.keywords) {
			return r.pageType
		}
	}
	return PageTypeUnknown
}

func containsAll(labels map[string]struct{}, keywords []string) bool {
	for _, k := range keywords {
		found := false
		for l := range labels {
			if strings.Contains(l, k) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	return true
}
