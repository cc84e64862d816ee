// Copyright (c) 2025, s0up and the autobrr contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package newznab

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
	"time"

	"github.com/mmcdole/gofeed/rss"
	"golang.org/x/net/html/charset"
)

// Result is a single candidate release returned by an indexer.
type Result struct {
	Provider    string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	Title       string            `json:"title" yaml:"title"`
	Link        string            `json:"link" yaml:"link"`
	GUID        string            `json:"guid,omitempty" yaml:"guid,omitempty"`
	PublishDate time.Time         `json:"publishDate,omitzero" yaml:"publishDate,omitempty"`
	Size        int64             `json:"size,omitempty" yaml:"size,omitempty"`
	Category    string            `json:"category,omitempty" yaml:"category,omitempty"`
	Attributes  map[string]string `json:"attributes,omitempty" yaml:"attributes,omitempty"`

	// Item is the backing feed node, kept for fields we do not lift.
	Item *rss.Item `json:"-" yaml:"-"`
}

// IncompleteItem describes a feed entry that was dropped for lacking a
// title or link.
type IncompleteItem struct {
	Index int
	Title string
	Link  string
}

// Feed is the outcome of interpreting an indexer response.
type Feed struct {
	Results    []Result
	Incomplete []IncompleteItem
}

type rootElement struct {
	name  string
	attrs map[string]string
}

// sniffRoot checks that data is a well-formed XML document with a single
// root element and returns that element.
func sniffRoot(data []byte) (rootElement, error) {
	dec := xml.NewDecoder(bytes.NewReader(data))
	dec.CharsetReader = charset.NewReaderLabel

	var (
		root   rootElement
		found  bool
		closed bool
		depth  int
	)
	for {
		tok, err := dec.Token()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return rootElement{}, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
		}

		switch t := tok.(type) {
		case xml.StartElement:
			if closed {
				return rootElement{}, fmt.Errorf("%w: junk after document element <%s>", ErrMalformedFeed, t.Name.Local)
			}
			if !found {
				found = true
				root.name = t.Name.Local
				root.attrs = make(map[string]string, len(t.Attr))
				for _, attr := range t.Attr {
					root.attrs[attr.Name.Local] = attr.Value
				}
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				closed = true
			}
		case xml.CharData:
			if (closed || !found) && len(bytes.TrimSpace(t)) > 0 {
				return rootElement{}, fmt.Errorf("%w: text outside document element", ErrMalformedFeed)
			}
		}
	}

	if !found {
		return rootElement{}, fmt.Errorf("%w: no root element", ErrMalformedFeed)
	}
	return root, nil
}

// CheckAuth inspects a response for an authentication fault. It fails open:
// anything that cannot be parsed, or is not an <error> document, passes.
// An unknown error code reports ok=false with a nil error.
func CheckAuth(provider string, data []byte) (ok bool, fault Fault, err error) {
	root, perr := sniffRoot(data)
	if perr != nil || root.name != "error" {
		return true, Fault{}, nil
	}

	fault = ClassifyFault(root.attrs["code"], root.attrs["description"])
	if fault.Known() {
		return false, fault, &IndexerFault{Provider: provider, Fault: fault}
	}
	return false, fault, nil
}

// ParseFeed interprets raw indexer bytes. Known faults return an
// *IndexerFault; unknown faults return a non-fatal error wrapping the
// description; malformed input returns ErrMalformedFeed; a non-rss root
// returns ErrNotRSS.
func ParseFeed(provider string, data []byte) (*Feed, error) {
	root, err := sniffRoot(data)
	if err != nil {
		return nil, err
	}

	switch root.name {
	case "error":
		fault := ClassifyFault(root.attrs["code"], root.attrs["description"])
		if fault.Known() {
			return nil, &IndexerFault{Provider: provider, Fault: fault}
		}
		return nil, &unknownFaultError{fault: fault}
	case "rss":
	default:
		return nil, fmt.Errorf("%w: root element <%s>", ErrNotRSS, root.name)
	}

	parser := &rss.Parser{}
	doc, err := parser.Parse(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedFeed, err)
	}

	feed := &Feed{Results: make([]Result, 0, len(doc.Items))}
	for i, item := range doc.Items {
		if item == nil {
			continue
		}
		// whitespace-only counts as missing
		title := strings.TrimSpace(item.Title)
		link := strings.TrimSpace(item.Link)
		if title == "" || link == "" {
			feed.Incomplete = append(feed.Incomplete, IncompleteItem{Index: i, Title: title, Link: link})
			continue
		}
		feed.Results = append(feed.Results, newResult(provider, item, title, link))
	}

	return feed, nil
}

// unknownFaultError carries an unrecognised <error> document. It is never
// surfaced to callers of Search.
type unknownFaultError struct {
	fault Fault
}

func (e *unknownFaultError) Error() string {
	return fmt.Sprintf("unknown indexer error %s: %s", e.fault.Code, e.fault.Description)
}

func newResult(provider string, item *rss.Item, title, link string) Result {
	result := Result{
		Provider: provider,
		Title:    title,
		Link:     strings.ReplaceAll(link, "&amp;", "&"),
		Item:     item,
	}

	if item.GUID != nil {
		result.GUID = strings.TrimSpace(item.GUID.Value)
	}
	if item.PubDateParsed != nil {
		result.PublishDate = *item.PubDateParsed
	}
	if len(item.Categories) > 0 && item.Categories[0] != nil {
		result.Category = strings.TrimSpace(item.Categories[0].Value)
	}
	if item.Enclosure != nil {
		if size, err := strconv.ParseInt(strings.TrimSpace(item.Enclosure.Length), 10, 64); err == nil {
			result.Size = size
		}
	}

	// newznab:attr name="size" value="..."
	attrs := make(map[string]string)
	for _, ns := range []string{"newznab", "torznab"} {
		for _, attr := range item.Extensions[ns]["attr"] {
			name := strings.ToLower(strings.TrimSpace(attr.Attrs["name"]))
			if name == "" {
				continue
			}
			attrs[name] = attr.Attrs["value"]
		}
	}
	if len(attrs) > 0 {
		result.Attributes = attrs
		if v, ok := attrs["size"]; ok {
			if size, err := strconv.ParseInt(v, 10, 64); err == nil {
				result.Size = size
			}
		}
		if v, ok := attrs["category"]; ok && result.Category == "" {
			result.Category = v
		}
	}

	return result
}
