package walker

import (
	"net/url"
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/brogergvhs/novelgrab/internal/config"
)

var (
	genericContent = []string{
		"#chapter-content",
		".chapter-content",
		"#chaptercontent",
		".chapter-inner",
		".reading-content",
		".entry-content",
		"#content",
		"article",
		"main",
	}
	genericNext = []string{
		"a[rel='next']",
		"link[rel='next']",
		"a.next_page",
		"a.next-chapter",
		"a#next_chap",
		"a#next-chapter",
	}
	alwaysRemove = "script, style, noscript, iframe, form, ins"

	reNextText = regexp.MustCompile(`(?i)^\s*next(\s+chapter)?\s*[»>→]*\s*$`)
	reBlank    = regexp.MustCompile(`\n{3,}`)
)

type page struct {
	Title string
	Text  string
	Next  string
}

func extract(doc *goquery.Document, rule config.SiteRule, pageURL string) page {
	return page{
		Title: extractTitle(doc, rule),
		Text:  extractText(doc, rule),
		Next:  extractNext(doc, rule, pageURL),
	}
}

func extractTitle(doc *goquery.Document, rule config.SiteRule) string {
	for _, sel := range []string{rule.Title, "h1", "title"} {
		if sel == "" {
			continue
		}
		if t := strings.TrimSpace(doc.Find(sel).First().Text()); t != "" {
			return t
		}
	}

	return ""
}

func extractText(doc *goquery.Document, rule config.SiteRule) string {
	candidates := genericContent
	if rule.Content != "" {
		candidates = []string{rule.Content}
	}

	for _, sel := range candidates {
		node := doc.Find(sel).First()
		if node.Length() == 0 {
			continue
		}

		node.Find(alwaysRemove).Remove()
		for _, r := range rule.Remove {
			node.Find(r).Remove()
		}

		if text := nodeText(node); text != "" {
			return text
		}
	}

	return ""
}

// nodeText keeps paragraph breaks when the content is made of <p> blocks.
func nodeText(node *goquery.Selection) string {
	paras := node.Find("p")
	if paras.Length() == 0 {
		return strings.TrimSpace(node.Text())
	}

	var parts []string
	paras.Each(func(_ int, p *goquery.Selection) {
		if t := strings.TrimSpace(p.Text()); t != "" {
			parts = append(parts, t)
		}
	})

	return strings.TrimSpace(reBlank.ReplaceAllString(strings.Join(parts, "\n\n"), "\n\n"))
}

func extractNext(doc *goquery.Document, rule config.SiteRule, pageURL string) string {
	if rule.Next != "" {
		href, _ := doc.Find(rule.Next).First().Attr("href")
		return usableLink(pageURL, href)
	}

	for _, sel := range genericNext {
		if href, ok := doc.Find(sel).First().Attr("href"); ok {
			if u := usableLink(pageURL, href); u != "" {
				return u
			}
		}
	}

	var next string
	doc.Find("a[href]").EachWithBreak(func(_ int, a *goquery.Selection) bool {
		if !reNextText.MatchString(a.Text()) {
			return true
		}
		href, _ := a.Attr("href")
		next = usableLink(pageURL, href)
		return next == ""
	})

	return next
}

func usableLink(pageURL, href string) string {
	href = strings.TrimSpace(href)
	if href == "" || strings.HasPrefix(href, "#") || strings.HasPrefix(strings.ToLower(href), "javascript:") {
		return ""
	}

	u := resolveURL(pageURL, href)
	if u == pageURL {
		return ""
	}

	return u
}

func resolveURL(baseURL, href string) string {
	u, err := url.Parse(href)
	if err != nil {
		return ""
	}
	if u.IsAbs() {
		return u.String()
	}

	b, err := url.Parse(baseURL)
	if err != nil {
		return ""
	}

	return b.ResolveReference(u).String()
}
