// Package feed turns raw RSS, RDF and Atom documents into normalised job
// records. Parsing is tolerant: the document is read into a generic tag tree
// with a non-strict decoder and every logical field is resolved through an
// ordered alias table.
package feed

import (
	"bytes"
	"encoding/xml"
	"errors"
	"fmt"
	"iter"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"
	"github.com/antchfx/xmlquery"

	"jobmate/ingestion-service/internal/logger"
	"jobmate/ingestion-service/internal/model"
)

// dateLayouts lists the publish date formats seen in job feeds.
var dateLayouts = []string{
	time.RFC1123Z,
	time.RFC1123,
	"Mon, 2 Jan 2006 15:04:05 -0700",
	"Mon, 2 Jan 2006 15:04:05 MST",
	time.RFC3339,
	time.RFC822Z,
	time.RFC822,
	"2006-01-02T15:04:05",
	"2006-01-02 15:04:05",
	"02 Jan 2006 15:04:05 MST",
	"2006-01-02",
}

// Parser converts feed documents into job records.
type Parser struct {
	now func() time.Time
	log logger.Logger
}

// Option configures a Parser.
type Option func(*Parser)

// WithClock overrides the clock used for the default publish date.
func WithClock(now func() time.Time) Option {
	return func(p *Parser) { p.now = now }
}

// WithLogger sets the logger used to report skipped items.
func WithLogger(l logger.Logger) Option {
	return func(p *Parser) { p.log = l }
}

// NewParser returns a Parser.
func NewParser(opts ...Option) *Parser {
	p := &Parser{now: time.Now, log: logger.NewNop()}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// Feed is a parsed document. Its items are normalised lazily, in document
// order, as Jobs is ranged over. A Feed is not safe for concurrent use.
type Feed struct {
	source    string
	fetchedAt time.Time
	items     []*xmlquery.Node
	next      int
	skipped   int
	log       logger.Logger
}

// Parse reads raw as a feed document published at sourceURL. It fails with
// a *ParseError when the document is not XML or not a feed.
func (p *Parser) Parse(raw []byte, sourceURL string) (*Feed, error) {
	doc, err := xmlquery.ParseWithOptions(bytes.NewReader(raw), xmlquery.ParserOptions{
		Decoder: &xmlquery.DecoderOptions{
			Strict: false,
			Entity: xml.HTMLEntity,
		},
	})
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	root := rootElement(doc)
	if root == nil {
		return nil, &ParseError{Err: errors.New("document has no root element")}
	}

	items, err := itemNodes(root)
	if err != nil {
		return nil, &ParseError{Err: err}
	}

	return &Feed{
		source:    sourceURL,
		fetchedAt: p.now(),
		items:     items,
		log:       p.log.With(logger.String("source", sourceURL)),
	}, nil
}

// ParseJobs parses raw and collects every valid job.
func (p *Parser) ParseJobs(raw []byte, sourceURL string) ([]model.NormalizedJob, error) {
	f, err := p.Parse(raw, sourceURL)
	if err != nil {
		return nil, err
	}
	jobs := make([]model.NormalizedJob, 0, f.Len())
	for job := range f.Jobs() {
		jobs = append(jobs, job)
	}
	return jobs, nil
}

// Len returns the number of raw items in the document, valid or not.
func (f *Feed) Len() int { return len(f.items) }

// Skipped returns how many items consumed so far were dropped.
func (f *Feed) Skipped() int { return f.skipped }

// Jobs yields the valid items that have not been consumed yet. The cursor is
// shared: ranging again resumes where the previous range stopped.
func (f *Feed) Jobs() iter.Seq[model.NormalizedJob] {
	return func(yield func(model.NormalizedJob) bool) {
		for f.next < len(f.items) {
			item := f.items[f.next]
			f.next++

			job, err := f.normalize(item)
			if err != nil {
				f.skipped++
				f.log.Debug("Skipping feed item", logger.Int("index", f.next-1), logger.Error(err))
				continue
			}
			if !yield(job) {
				return
			}
		}
	}
}

func (f *Feed) normalize(item *xmlquery.Node) (model.NormalizedJob, error) {
	el := indexChildren(item)

	link := el.link()
	guid := el.text(guidAliases)
	if guid == "" {
		guid = link
	}
	if guid == "" {
		return model.NormalizedJob{}, &ValidationError{Field: "guid"}
	}

	title := stripMarkup(el.text(titleAliases))
	if title == "" {
		return model.NormalizedJob{}, &ValidationError{Field: "title"}
	}
	if link == "" {
		return model.NormalizedJob{}, &ValidationError{Field: "link"}
	}

	return model.NormalizedJob{
		GUID:          guid,
		Title:         title,
		Company:       orDefault(el.text(companyAliases), model.DefaultCompany),
		Location:      orDefault(el.text(locationAliases), model.DefaultLocation),
		Description:   truncate(stripMarkup(el.text(descriptionAliases)), model.MaxDescriptionLength),
		URL:           link,
		PublishedDate: f.publishedDate(el.text(dateAliases)),
		Source:        f.source,
	}, nil
}

func (f *Feed) publishedDate(raw string) time.Time {
	if raw == "" {
		return f.fetchedAt
	}
	for _, layout := range dateLayouts {
		if t, err := time.Parse(layout, raw); err == nil {
			return t
		}
	}
	return f.fetchedAt
}

func rootElement(doc *xmlquery.Node) *xmlquery.Node {
	for n := doc.FirstChild; n != nil; n = n.NextSibling {
		if n.Type == xmlquery.ElementNode {
			return n
		}
	}
	return nil
}

// itemNodes locates the item elements for the supported document shapes:
// rss > channel > item, rdf:RDF > item, feed > entry and a bare channel.
func itemNodes(root *xmlquery.Node) ([]*xmlquery.Node, error) {
	switch strings.ToLower(root.Data) {
	case "rss":
		channel := firstChild(root, "channel")
		if channel == nil {
			return nil, nil
		}
		return children(channel, "item"), nil
	case "rdf":
		return children(root, "item"), nil
	case "channel":
		return children(root, "item"), nil
	case "feed":
		return children(root, "entry"), nil
	default:
		return nil, fmt.Errorf("unsupported root element <%s>", root.Data)
	}
}

func firstChild(n *xmlquery.Node, name string) *xmlquery.Node {
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && strings.EqualFold(c.Data, name) {
			return c
		}
	}
	return nil
}

func children(n *xmlquery.Node, name string) []*xmlquery.Node {
	var out []*xmlquery.Node
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == xmlquery.ElementNode && strings.EqualFold(c.Data, name) {
			out = append(out, c)
		}
	}
	return out
}

// stripMarkup removes HTML tags and decodes entities.
func stripMarkup(s string) string {
	if !strings.ContainsAny(s, "<&") {
		return strings.TrimSpace(s)
	}
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(s))
	if err != nil {
		return strings.TrimSpace(s)
	}
	return strings.TrimSpace(doc.Text())
}

func truncate(s string, limit int) string {
	if utf8.RuneCountInString(s) <= limit {
		return s
	}
	return string([]rune(s)[:limit])
}

func orDefault(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
