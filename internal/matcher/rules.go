package matcher

import (
	"fmt"
	"os"
	"strings"
	"unicode"

	"gopkg.in/yaml.v3"
)

// AntonymPair marks two labels as semantically opposite controls, such as
// "follow" and "following".
type AntonymPair struct {
	Positive string `yaml:"positive"`
	Negative string `yaml:"negative"`
	// OneWay only excludes negative candidates for positive targets.
	OneWay   bool `yaml:"oneWay"`
	Disabled bool `yaml:"disabled"`
}

// Rules drive candidate exclusion.
type Rules struct {
	Pairs []AntonymPair `yaml:"pairs"`
	// Exclude removes candidates whose label contains any of these strings.
	Exclude []string `yaml:"exclude"`
	// ActionPrefixes are stripped from a target label before generic
	// "已X" / "取消X" / "unX" patterns are derived from it.
	ActionPrefixes []string `yaml:"actionPrefixes"`
	// NoGenericPatterns turns the derived patterns off.
	NoGenericPatterns bool `yaml:"noGenericPatterns"`
}

// DefaultRules returns the built-in antonym set.
func DefaultRules() *Rules {
	return &Rules{
		Pairs: []AntonymPair{
			{Positive: "关注", Negative: "已关注"},
			{Positive: "关注", Negative: "取消关注"},
			{Positive: "登录", Negative: "已登录"},
			{Positive: "登录", Negative: "退出登录"},
			{Positive: "连接", Negative: "已连接"},
			{Positive: "连接", Negative: "断开连接"},
			{Positive: "开启", Negative: "已开启"},
			{Positive: "开启", Negative: "关闭"},
			{Positive: "启用", Negative: "已启用"},
			{Positive: "启用", Negative: "禁用"},
			{Positive: "同意", Negative: "已同意"},
			{Positive: "同意", Negative: "拒绝"},
			{Positive: "订阅", Negative: "已订阅"},
			{Positive: "订阅", Negative: "取消订阅"},
			{Positive: "收藏", Negative: "已收藏"},
			{Positive: "收藏", Negative: "取消收藏"},
			{Positive: "喜欢", Negative: "已喜欢"},
			{Positive: "喜欢", Negative: "取消喜欢"},
			{Positive: "添加", Negative: "已添加"},
			{Positive: "删除", Negative: "已删除"},
			{Positive: "完成", Negative: "未完成"},
			{Positive: "发送", Negative: "已发送"},
			{Positive: "follow", Negative: "following"},
			{Positive: "follow", Negative: "followed"},
			{Positive: "follow", Negative: "unfollow"},
			{Positive: "like", Negative: "liked"},
			{Positive: "like", Negative: "unlike"},
			{Positive: "subscribe", Negative: "subscribed"},
			{Positive: "subscribe", Negative: "unsubscribe"},
			{Positive: "connect", Negative: "connected"},
			{Positive: "connect", Negative: "disconnect"},
			{Positive: "enable", Negative: "disable"},
			{Positive: "accept", Negative: "decline"},
			{Positive: "log in", Negative: "log out"},
			{Positive: "sign in", Negative: "sign out"},
		},
		ActionPrefixes: []string{"点击", "选择", "按", "tap", "click"},
	}
}

// LoadRules reads rules from a YAML file. Pairs and prefixes the file
// leaves empty fall back to the defaults.
func LoadRules(path string) (*Rules, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses YAML rules.
func ParseRules(data []byte) (*Rules, error) {
	var r Rules
	if err := yaml.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("failed to parse rules: %w", err)
	}
	def := DefaultRules()
	if len(r.Pairs) == 0 {
		r.Pairs = def.Pairs
	}
	if len(r.ActionPrefixes) == 0 {
		r.ActionPrefixes = def.ActionPrefixes
	}
	for i, p := range r.Pairs {
		if strings.TrimSpace(p.Positive) == "" || strings.TrimSpace(p.Negative) == "" {
			return nil, fmt.Errorf("rule pair %d: positive and negative are required", i)
		}
	}
	return &r, nil
}

// normalize lowercases s and removes all whitespace.
func normalize(s string) string {
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range strings.ToLower(s) {
		if !unicode.IsSpace(r) {
			b.WriteRune(r)
		}
	}
	return b.String()
}
