package browser

import (
	"encoding/json"
	"fmt"
	"strings"
)

// Sections of an analyze_dom result. An empty include list selects all of
// them; summary is always present.
const (
	SectionNavigation = "navigation"
	SectionStructure  = "structure"
	SectionContent    = "content"
	SectionForms      = "forms"
)

// Captcha detection is a disjunction over the selectors the common providers
// inject.
var captchaSelectors = []string{
	"iframe[src*='recaptcha']",
	"iframe[src*='hcaptcha']",
	"iframe[src*='turnstile']",
	".g-recaptcha",
	".h-captcha",
	".cf-turnstile",
	"#captcha",
	"[class*='captcha']",
}

// analyzeDOMScript builds the in-page analysis expression. The whole result
// is computed in one evaluation so the sections are a consistent snapshot.
func analyzeDOMScript(include []string) string {
	want := map[string]bool{}
	if len(include) == 0 {
		want[SectionNavigation] = true
		want[SectionStructure] = true
		want[SectionContent] = true
		want[SectionForms] = true
	}
	for _, section := range include {
		want[strings.ToLower(section)] = true
	}

	var b strings.Builder
	b.WriteString(`(() => {
  const result = {};
`)
	if want[SectionNavigation] {
		b.WriteString(`  result.navigation = {
    links: Array.from(document.querySelectorAll('a[href]')).slice(0, 200).map(a => ({
      text: (a.innerText || '').trim().slice(0, 120),
      href: a.href,
    })),
  };
`)
	}
	if want[SectionStructure] {
		b.WriteString(`  result.structure = {
    headings: Array.from(document.querySelectorAll('h1,h2,h3,h4,h5,h6')).map(h => ({
      level: parseInt(h.tagName.slice(1), 10),
      text: (h.innerText || '').trim().slice(0, 200),
    })),
    sections: Array.from(document.querySelectorAll('main,section,article,nav,aside,header,footer')).map(s => ({
      tag: s.tagName.toLowerCase(),
      id: s.id || undefined,
      class: s.className ? String(s.className).slice(0, 120) : undefined,
    })),
  };
`)
	}
	if want[SectionContent] {
		b.WriteString(`  {
    const seen = new Set();
    const paragraphs = [];
    for (const p of document.querySelectorAll('p,li,blockquote')) {
      const text = (p.innerText || '').trim();
      if (!text || seen.has(text)) continue;
      seen.add(text);
      paragraphs.push(text.slice(0, 400));
      if (paragraphs.length >= 100) break;
    }
    result.content = { paragraphs };
  }
`)
	}
	if want[SectionForms] {
		b.WriteString(`  result.forms = Array.from(document.querySelectorAll('form')).map(f => ({
    action: f.action || '',
    method: (f.method || 'get').toLowerCase(),
    fields: Array.from(f.querySelectorAll('input,textarea,select')).map(el => ({
      tag: el.tagName.toLowerCase(),
      type: el.type || undefined,
      name: el.name || undefined,
      placeholder: el.placeholder || undefined,
      required: el.required || undefined,
    })),
  }));
`)
	}

	b.WriteString(`  result.summary = {
    url: window.location.href,
    title: document.title,
    hasIframes: document.querySelectorAll('iframe').length > 0,
    hasCaptcha: !!document.querySelector(` + fmt.Sprintf("%q", strings.Join(captchaSelectors, ", ")) + `),
    scrollableHeight: document.documentElement.scrollHeight,
    viewportHeight: window.innerHeight,
  };
  return JSON.stringify(result);
})()`)
	return b.String()
}

// AnalyzeDOM runs the structural analysis inside the page and returns the
// result object.
func (t *Tab) AnalyzeDOM(include []string) (json.RawMessage, error) {
	encoded, err := t.EvaluateString(analyzeDOMScript(include))
	if err != nil {
		return nil, fmt.Errorf("dom analysis failed: %w", err)
	}
	if !json.Valid([]byte(encoded)) {
		return nil, fmt.Errorf("dom analysis returned invalid JSON")
	}
	return json.RawMessage(encoded), nil
}
