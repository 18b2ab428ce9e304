package browser

import (
	"strings"

	md "github.com/JohannesKaufmann/html-to-markdown"
	"github.com/PuerkitoBio/goquery"
)

// Text returns the trimmed text of the first element matching selector, or of
// the whole body when selector is empty.
func Text(html, selector string) (string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return "", err
	}
	sel := doc.Find("body")
	if selector != "" {
		sel = doc.Find(selector).First()
	}
	return strings.TrimSpace(sel.Text()), nil
}

// Extract returns one map per element matching itemSelector.
//
// fields maps output keys to a selector relative to the item. "sel@attr"
// reads an attribute instead of text; an empty selector or "." means the item
// itself. Missing values are empty strings.
func Extract(html, itemSelector string, fields map[string]string) ([]map[string]any, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(html))
	if err != nil {
		return nil, err
	}
	out := []map[string]any{}
	doc.Find(itemSelector).Each(func(_ int, item *goquery.Selection) {
		row := make(map[string]any, len(fields))
		for key, spec := range fields {
			row[key] = fieldValue(item, spec)
		}
		out = append(out, row)
	})
	return out, nil
}

func fieldValue(item *goquery.Selection, spec string) string {
	sel, attr, hasAttr := strings.Cut(spec, "@")
	target := item
	if s := strings.TrimSpace(sel); s != "" && s != "." {
		target = item.Find(s).First()
	}
	if hasAttr {
		v, _ := target.Attr(strings.TrimSpace(attr))
		return strings.TrimSpace(v)
	}
	return strings.Join(strings.Fields(target.Text()), " ")
}

// Markdown converts html to markdown; relative links resolve against baseURL.
func Markdown(html, baseURL string) (string, error) {
	conv := md.NewConverter(domainOf(baseURL), true, nil)
	return conv.ConvertString(html)
}

func domainOf(u string) string {
	if i := strings.Index(u, "://"); i >= 0 {
		rest := u[i+3:]
		if j := strings.IndexByte(rest, '/'); j >= 0 {
			rest = rest[:j]
		}
		return rest
	}
	return u
}
