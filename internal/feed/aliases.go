package feed

import (
	"strings"

	"github.com/antchfx/xmlquery"
)

// Each logical field is resolved from the first alias that yields a
// non-empty value. Keys are lower-case, namespaced tags as "prefix:local".
var (
	guidAliases        = []string{"guid", "id", "dc:identifier"}
	linkAliases        = []string{"link", "feedburner:origlink"}
	titleAliases       = []string{"title", "dc:title"}
	descriptionAliases = []string{"description", "content:encoded", "summary", "content"}
	companyAliases     = []string{"dc:creator", "company", "job_listing:company", "job:company"}
	locationAliases    = []string{"location", "job_listing:location", "job:location"}
	dateAliases        = []string{"pubdate", "dc:date", "published", "updated"}
)

// knownNamespaces maps namespace URIs to their conventional prefix, for
// documents where the decoder reports the URI instead of the prefix.
var knownNamespaces = map[string]string{
	"http://purl.org/dc/elements/1.1/":           "dc",
	"http://purl.org/rss/1.0/modules/content/":   "content",
	"http://rssnamespace.org/feedburner/ext/1.0": "feedburner",
}

// element indexes the direct child elements of a feed item by tag key.
type element map[string][]*xmlquery.Node

func indexChildren(item *xmlquery.Node) element {
	el := element{}
	for c := item.FirstChild; c != nil; c = c.NextSibling {
		if c.Type != xmlquery.ElementNode {
			continue
		}
		key := tagKey(c)
		el[key] = append(el[key], c)
	}
	return el
}

func tagKey(n *xmlquery.Node) string {
	local := strings.ToLower(n.Data)
	if p := prefixOf(n); p != "" {
		return p + ":" + local
	}
	return local
}

func prefixOf(n *xmlquery.Node) string {
	if n.Prefix != "" && !strings.Contains(n.Prefix, "/") {
		return strings.ToLower(n.Prefix)
	}
	if p, ok := knownNamespaces[n.NamespaceURI]; ok {
		return p
	}
	if n.Prefix != "" {
		if p, ok := knownNamespaces[n.Prefix]; ok {
			return p
		}
	}
	// An undeclared prefix is left unresolved by the decoder and arrives as
	// the namespace itself.
	if n.Prefix == "" && n.NamespaceURI != "" && !strings.ContainsAny(n.NamespaceURI, "/:") {
		return strings.ToLower(n.NamespaceURI)
	}
	return ""
}

// text returns the first non-empty trimmed text found under aliases.
func (el element) text(aliases []string) string {
	for _, alias := range aliases {
		for _, n := range el[alias] {
			if v := strings.TrimSpace(n.InnerText()); v != "" {
				return v
			}
		}
	}
	return ""
}

// link resolves the item URL. Atom links carry it in href.
func (el element) link() string {
	for _, alias := range linkAliases {
		for _, n := range el[alias] {
			if v := strings.TrimSpace(n.InnerText()); v != "" {
				return v
			}
			rel := strings.ToLower(n.SelectAttr("rel"))
			if href := strings.TrimSpace(n.SelectAttr("href")); href != "" && (rel == "" || rel == "alternate") {
				return href
			}
		}
	}
	return ""
}
