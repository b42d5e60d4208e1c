// Package snapshot defines the cached snapshot entry and the page facts derived
// from a hierarchy dump.
package snapshot

import (
	"time"

	"github.com/easeaico/snaplocator/internal/fingerprint"
)

// Origin identifies the device a snapshot was captured on.
type Origin struct {
	DeviceID   string `json:"deviceId,omitempty"`
	DeviceName string `json:"deviceName,omitempty"`
}

// PageContext holds facts about the captured page.
type PageContext struct {
	AppPackage     string `json:"appPackage,omitempty"`
	ActivityName   string `json:"activityName,omitempty"`
	PageTitle      string `json:"pageTitle,omitempty"`
	PageType       string `json:"pageType,omitempty"`
	ElementCount   int    `json:"elementCount"`
	ClickableCount int    `json:"clickableCount,omitempty"`
	InputCount     int    `json:"inputCount,omitempty"`
}

// Meta disambiguates entries that could each be "the current page".
type Meta struct {
	PackageName string `json:"packageName,omitempty" yaml:"packageName"`
	Activity    string `json:"activity,omitempty" yaml:"activity"`
	Resolution  string `json:"resolution,omitempty" yaml:"resolution"`
	Locale      string `json:"locale,omitempty" yaml:"locale"`
	DeviceModel string `json:"deviceModel,omitempty" yaml:"deviceModel"`
	OSVersion   string `json:"osVersion,omitempty" yaml:"osVersion"`
}

// Entry is a cached snapshot. Entries are never mutated after they are stored.
type Entry struct {
	ID          string           `json:"id"`
	Content     string           `json:"content"`
	ContentHash fingerprint.Hash `json:"contentHash"`
	// CapturedAt is in unix milliseconds.
	CapturedAt  int64       `json:"capturedAt"`
	Origin      Origin      `json:"origin"`
	PageContext PageContext `json:"pageContext"`
	Meta        *Meta       `json:"disambiguationMeta,omitempty"`

	// Seq orders entries captured in the same millisecond by insertion.
	Seq int64 `json:"-"`
}

// CapturedTime returns CapturedAt as a time.Time.
func (e *Entry) CapturedTime() time.Time {
	return time.UnixMilli(e.CapturedAt)
}

// PackageName returns the disambiguation package, falling back to the analyzed one.
func (e *Entry) PackageName() string {
	if e.Meta != nil && e.Meta.PackageName != "" {
		return e.Meta.PackageName
	}
	return e.PageContext.AppPackage
}

// Activity returns the disambiguation activity, falling back to the analyzed one.
func (e *Entry) Activity() string {
	if e.Meta != nil && e.Meta.Activity != "" {
		return e.Meta.Activity
	}
	return e.PageContext.ActivityName
}

// Matches reports whether the entry satisfies the package and activity of
// filter. Empty filter fields match anything.
func (e *Entry) Matches(filter *Meta) bool {
	if filter == nil {
		return true
	}
	if filter.PackageName != "" && e.PackageName() != filter.PackageName {
		return false
	}
	if filter.Activity != "" && e.Activity() != filter.Activity {
		return false
	}
	return true
}

// Newer reports whether e was captured after o. Ties go to the later insertion.
func (e *Entry) Newer(o *Entry) bool {
	if o == nil {
		return true
	}
	if e.CapturedAt != o.CapturedAt {
		return e.CapturedAt > o.CapturedAt
	}
	return e.Seq > o.Seq
}

// Clone returns a shallow copy with its own Meta. Content is shared.
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Meta != nil {
		m := *e.Meta
		c.Meta = &m
	}
	return &c
}
