package browser

import (
	"encoding/json"
	"fmt"
	"net/http"
	neturl "net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
)

const cdpCallTimeout = 30 * time.Second

// cdpTarget is one entry from the browser's /json endpoints.
type cdpTarget struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	URL                  string `json:"url"`
	Title                string `json:"title"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

// CDPClient is a Chrome DevTools Protocol connection to a single page target.
// Commands are matched to responses by id; protocol events fan out to
// registered handlers.
type CDPClient struct {
	debugPort int
	targetID  string

	mu      sync.Mutex
	conn    *websocket.Conn
	msgID   uint64
	pending map[uint64]chan json.RawMessage
	events  map[string][]func(params json.RawMessage)
}

// openTarget asks the browser to create a new page target and returns a
// connected client for it.
func openTarget(debugPort int, url string) (*CDPClient, error) {
	httpClient := &http.Client{Timeout: 10 * time.Second}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/new?%s", debugPort, neturl.QueryEscape(url))
	req, err := http.NewRequest(http.MethodPut, endpoint, nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to create browser target: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	var target cdpTarget
	if err := json.NewDecoder(resp.Body).Decode(&target); err != nil {
		return nil, fmt.Errorf("failed to decode browser target: %w", err)
	}
	if target.WebSocketDebuggerURL == "" {
		return nil, fmt.Errorf("browser target has no debugger URL")
	}

	dialer := websocket.Dialer{HandshakeTimeout: 5 * time.Second}
	conn, _, err := dialer.Dial(target.WebSocketDebuggerURL, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to CDP: %w", err)
	}

	client := &CDPClient{
		debugPort: debugPort,
		targetID:  target.ID,
		conn:      conn,
		pending:   make(map[uint64]chan json.RawMessage),
		events:    make(map[string][]func(params json.RawMessage)),
	}
	go client.readMessages()
	return client, nil
}

// OnEvent registers a handler for a CDP event method. Handlers run on the
// read goroutine and must not block.
func (c *CDPClient) OnEvent(method string, fn func(params json.RawMessage)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.events[method] = append(c.events[method], fn)
}

func (c *CDPClient) readMessages() {
	for {
		c.mu.Lock()
		conn := c.conn
		c.mu.Unlock()
		if conn == nil {
			return
		}

		_, msg, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var frame struct {
			ID     uint64          `json:"id"`
			Method string          `json:"method"`
			Params json.RawMessage `json:"params"`
			Result json.RawMessage `json:"result"`
			Error  *struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		if err := json.Unmarshal(msg, &frame); err != nil {
			continue
		}

		if frame.ID > 0 {
			c.mu.Lock()
			ch, ok := c.pending[frame.ID]
			if ok {
				delete(c.pending, frame.ID)
			}
			c.mu.Unlock()
			if ok {
				if frame.Error != nil {
					errPayload, _ := json.Marshal(map[string]string{"error": frame.Error.Message})
					ch <- errPayload
				} else {
					ch <- frame.Result
				}
			}
			continue
		}

		if frame.Method != "" {
			c.mu.Lock()
			handlers := append([]func(json.RawMessage){}, c.events[frame.Method]...)
			c.mu.Unlock()
			for _, fn := range handlers {
				fn(frame.Params)
			}
		}
	}
}

// Call sends a CDP command and waits for its response.
func (c *CDPClient) Call(method string, params interface{}) (json.RawMessage, error) {
	c.mu.Lock()
	conn := c.conn
	if conn == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("not connected")
	}
	id := atomic.AddUint64(&c.msgID, 1)
	ch := make(chan json.RawMessage, 1)
	c.pending[id] = ch

	msg := map[string]interface{}{"id": id, "method": method}
	if params != nil {
		msg["params"] = params
	}
	err := conn.WriteJSON(msg)
	c.mu.Unlock()

	if err != nil {
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("failed to send CDP command: %w", err)
	}

	select {
	case result := <-ch:
		var errCheck struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(result, &errCheck) == nil && errCheck.Error != "" {
			return nil, fmt.Errorf("CDP error: %s", errCheck.Error)
		}
		return result, nil
	case <-time.After(cdpCallTimeout):
		c.mu.Lock()
		delete(c.pending, id)
		c.mu.Unlock()
		return nil, fmt.Errorf("CDP command timeout: %s", method)
	}
}

// Close disconnects and asks the browser to dispose of the target.
func (c *CDPClient) Close() error {
	c.mu.Lock()
	conn := c.conn
	c.conn = nil
	c.mu.Unlock()
	if conn != nil {
		_ = conn.Close()
	}

	if c.targetID != "" {
		httpClient := &http.Client{Timeout: 10 * time.Second}
		resp, err := httpClient.Get(fmt.Sprintf("http://127.0.0.1:%d/json/close/%s", c.debugPort, c.targetID))
		if err != nil {
			return err
		}
		_ = resp.Body.Close()
	}
	return nil
}
