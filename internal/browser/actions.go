package browser

import (
	"encoding/json"
	"fmt"
	"time"
)

const typePacing = 30 * time.Millisecond

// Action is one step of a preview:browser-actions sequence.
type Action struct {
	Type       string  `json:"type"` // click, type, move, scroll, wait, extract_data
	Selector   string  `json:"selector,omitempty"`
	Text       string  `json:"text,omitempty"`
	X          float64 `json:"x,omitempty"`
	Y          float64 `json:"y,omitempty"`
	DeltaX     int     `json:"delta_x,omitempty"`
	DeltaY     int     `json:"delta_y,omitempty"`
	DurationMs int     `json:"duration_ms,omitempty"`
	Attribute  string  `json:"attribute,omitempty"`

	// ClearFirst defaults to true: AI-driven typing usually replaces a
	// field's content rather than appending.
	ClearFirst *bool `json:"clear_first,omitempty"`
}

// ActionResult reports one executed step.
type ActionResult struct {
	Type  string          `json:"type"`
	OK    bool            `json:"ok"`
	Error string          `json:"error,omitempty"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// RunActions executes an action sequence against the tab, stopping at the
// first failure.
func (t *Tab) RunActions(actions []Action) []ActionResult {
	results := make([]ActionResult, 0, len(actions))
	for _, action := range actions {
		result := ActionResult{Type: action.Type, OK: true}
		data, err := t.runAction(action)
		if err != nil {
			result.OK = false
			result.Error = err.Error()
		}
		result.Data = data
		results = append(results, result)
		if err != nil {
			break
		}
	}
	return results
}

func (t *Tab) runAction(action Action) (json.RawMessage, error) {
	switch action.Type {
	case "click":
		return nil, t.click(action)
	case "type":
		return nil, t.typeText(action)
	case "move":
		return nil, t.moveMouse(action.X, action.Y)
	case "scroll":
		_, err := t.Evaluate(fmt.Sprintf("window.scrollBy(%d, %d)", action.DeltaX, action.DeltaY))
		return nil, err
	case "wait":
		return nil, t.wait(action)
	case "extract_data":
		return t.extractData(action)
	default:
		return nil, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

// elementCenter resolves a selector to the viewport coordinates of its
// center.
func (t *Tab) elementCenter(selector string) (float64, float64, error) {
	value, err := t.Evaluate(fmt.Sprintf(`(() => {
  const el = document.querySelector(%q);
  if (!el) return null;
  const r = el.getBoundingClientRect();
  return { x: r.left + r.width / 2, y: r.top + r.height / 2 };
})()`, selector))
	if err != nil {
		return 0, 0, err
	}
	var pt struct {
		X float64 `json:"x"`
		Y float64 `json:"y"`
	}
	if err := json.Unmarshal(value, &pt); err != nil || string(value) == "null" {
		return 0, 0, fmt.Errorf("element not found: %s", selector)
	}
	return pt.X, pt.Y, nil
}

func (t *Tab) click(action Action) error {
	x, y := action.X, action.Y
	if action.Selector != "" {
		var err error
		x, y, err = t.elementCenter(action.Selector)
		if err != nil {
			return err
		}
	}
	for _, eventType := range []string{"mousePressed", "mouseReleased"} {
		_, err := t.page.Call("Input.dispatchMouseEvent", map[string]interface{}{
			"type":       eventType,
			"x":          x,
			"y":          y,
			"button":     "left",
			"clickCount": 1,
		})
		if err != nil {
			return fmt.Errorf("failed to dispatch %s: %w", eventType, err)
		}
	}
	return nil
}

func (t *Tab) typeText(action Action) error {
	if action.Selector != "" {
		if err := t.focus(action.Selector); err != nil {
			return err
		}
	}

	clearFirst := true
	if action.ClearFirst != nil {
		clearFirst = *action.ClearFirst
	}
	if clearFirst {
		if _, err := t.Evaluate(`(() => {
  const el = document.activeElement;
  if (el && ('value' in el)) { el.value = ''; el.dispatchEvent(new Event('input', { bubbles: true })); }
})()`); err != nil {
			return err
		}
	}

	for _, r := range action.Text {
		_, err := t.page.Call("Input.insertText", map[string]interface{}{
			"text": string(r),
		})
		if err != nil {
			return fmt.Errorf("failed to type text: %w", err)
		}
		time.Sleep(typePacing)
	}
	return nil
}

func (t *Tab) focus(selector string) error {
	value, err := t.Evaluate(fmt.Sprintf(`(() => {
  const el = document.querySelector(%q);
  if (!el) return false;
  el.focus();
  return true;
})()`, selector))
	if err != nil {
		return err
	}
	if string(value) != "true" {
		return fmt.Errorf("element not found: %s", selector)
	}
	return nil
}

func (t *Tab) moveMouse(x, y float64) error {
	_, err := t.page.Call("Input.dispatchMouseEvent", map[string]interface{}{
		"type": "mouseMoved",
		"x":    x,
		"y":    y,
	})
	return err
}

// wait sleeps for a duration or polls for a selector, whichever the action
// specifies.
func (t *Tab) wait(action Action) error {
	if action.Selector == "" {
		time.Sleep(time.Duration(action.DurationMs) * time.Millisecond)
		return nil
	}

	timeout := time.Duration(action.DurationMs) * time.Millisecond
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		value, err := t.Evaluate(fmt.Sprintf("document.querySelector(%q) !== null", action.Selector))
		if err == nil && string(value) == "true" {
			return nil
		}
		time.Sleep(100 * time.Millisecond)
	}
	return fmt.Errorf("timeout waiting for selector: %s", action.Selector)
}

// extractData reads text or an attribute from every element matching the
// selector.
func (t *Tab) extractData(action Action) (json.RawMessage, error) {
	if action.Selector == "" {
		return nil, fmt.Errorf("extract_data requires a selector")
	}
	script := fmt.Sprintf(`JSON.stringify(Array.from(document.querySelectorAll(%q)).slice(0, 200).map(el => `, action.Selector)
	if action.Attribute != "" {
		script += fmt.Sprintf("el.getAttribute(%q)", action.Attribute)
	} else {
		script += "(el.innerText || '').trim()"
	}
	script += "))"

	encoded, err := t.EvaluateString(script)
	if err != nil {
		return nil, err
	}
	if !json.Valid([]byte(encoded)) {
		return nil, fmt.Errorf("extract_data returned invalid JSON")
	}
	return json.RawMessage(encoded), nil
}
