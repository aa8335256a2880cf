package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"golang.org/x/crypto/bcrypt"
	"pkt.systems/pslog"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true // access is gated by the password, not the origin
	},
}

const (
	observerWriteWait  = 10 * time.Second
	observerSendBuffer = 256
	observerHistory    = 200
)

// ObserverEvent is the JSON frame exchanged with web observers.
type ObserverEvent struct {
	Type    string    `json:"type"` // "create", "update", "status", "prompt", "error"
	Handle  string    `json:"handle,omitempty"`
	Content string    `json:"content,omitempty"`
	Time    time.Time `json:"time"`
}

var ErrUnknownHandle = errors.New("unknown handle")

// ObserverHub is a Sink that mirrors deliveries to every connected
// WebSocket client. New clients first receive the current text of recent
// messages. Clients may also submit prompts.
type ObserverHub struct {
	passwordHash []byte
	maxHistory   int

	mu       sync.Mutex
	baseCtx  context.Context
	onPrompt func(ctx context.Context, text string)
	seq      int
	history  []*ObserverEvent
	index    map[Handle]*ObserverEvent
	clients  map[*observerClient]struct{}
}

type observerClient struct {
	conn *websocket.Conn
	send chan ObserverEvent
	once sync.Once
}

func (c *observerClient) close() {
	c.once.Do(func() { close(c.send) })
}

// NewObserverHub returns a hub. An empty passwordHash disables
// authentication and, with it, web prompts.
func NewObserverHub(passwordHash string) *ObserverHub {
	return &ObserverHub{
		passwordHash: []byte(passwordHash),
		maxHistory:   observerHistory,
		baseCtx:      context.Background(),
		index:        make(map[Handle]*ObserverEvent),
		clients:      make(map[*observerClient]struct{}),
	}
}

// SetPromptHandler installs the function called for prompts typed in the
// web page. Prompts are only accepted when the hub has a password.
func (h *ObserverHub) SetPromptHandler(fn func(ctx context.Context, text string)) {
	h.mu.Lock()
	h.onPrompt = fn
	h.mu.Unlock()
}

func (h *ObserverHub) Create(_ context.Context, text string) (Handle, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.seq++
	handle := Handle("obs-" + strconv.Itoa(h.seq))
	ev := &ObserverEvent{Type: "create", Handle: string(handle), Content: text, Time: time.Now()}
	h.history = append(h.history, ev)
	h.index[handle] = ev
	for len(h.history) > h.maxHistory {
		delete(h.index, Handle(h.history[0].Handle))
		h.history = h.history[1:]
	}
	h.broadcastLocked(*ev)
	return handle, nil
}

func (h *ObserverHub) Update(_ context.Context, handle Handle, text string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	ev, ok := h.index[handle]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownHandle, handle)
	}
	ev.Content = text
	h.broadcastLocked(ObserverEvent{Type: "update", Handle: string(handle), Content: text, Time: time.Now()})
	return nil
}

// Status sends a transient notice that is not replayed.
func (h *ObserverHub) Status(text string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.broadcastLocked(ObserverEvent{Type: "status", Content: text, Time: time.Now()})
}

// broadcastLocked drops clients that cannot keep up.
func (h *ObserverHub) broadcastLocked(ev ObserverEvent) {
	for c := range h.clients {
		select {
		case c.send <- ev:
		default:
			delete(h.clients, c)
			c.close()
		}
	}
}

func (h *ObserverHub) clientCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.clients)
}

// authorized accepts the password as ?password=, an X-Relay-Password header
// or basic auth.
func (h *ObserverHub) authorized(r *http.Request) bool {
	if len(h.passwordHash) == 0 {
		return true
	}
	pw := r.URL.Query().Get("password")
	if pw == "" {
		pw = r.Header.Get("X-Relay-Password")
	}
	if pw == "" {
		_, pw, _ = r.BasicAuth()
	}
	return pw != "" && bcrypt.CompareHashAndPassword(h.passwordHash, []byte(pw)) == nil
}

// Handler serves the page, the socket and a health check.
func (h *ObserverHub) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/", h.servePage)
	mux.HandleFunc("/ws", h.serveWS)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		fmt.Fprint(w, "ok")
	})
	return mux
}

func (h *ObserverHub) servePage(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/" {
		http.NotFound(w, r)
		return
	}
	if !h.authorized(r) {
		w.Header().Set("WWW-Authenticate", `Basic realm="cli-relay"`)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	fmt.Fprint(w, observerPage)
}

func (h *ObserverHub) serveWS(w http.ResponseWriter, r *http.Request) {
	log := pslog.Ctx(h.context())
	if !h.authorized(r) {
		log.Warn("observer rejected", "remote", r.RemoteAddr)
		http.Error(w, "unauthorized", http.StatusUnauthorized)
		return
	}
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("observer upgrade failed", "err", err)
		return
	}

	c := &observerClient{conn: conn, send: make(chan ObserverEvent, observerSendBuffer)}
	h.mu.Lock()
	replay := make([]ObserverEvent, len(h.history))
	for i, ev := range h.history {
		replay[i] = *ev
	}
	h.clients[c] = struct{}{}
	h.mu.Unlock()
	log.Info("observer connected", "remote", r.RemoteAddr, "replay", len(replay))

	go h.writeLoop(c, replay)
	h.readLoop(c)

	h.mu.Lock()
	delete(h.clients, c)
	h.mu.Unlock()
	c.close()
	log.Info("observer disconnected", "remote", r.RemoteAddr)
}

func (h *ObserverHub) writeLoop(c *observerClient, replay []ObserverEvent) {
	defer c.conn.Close()
	write := func(ev ObserverEvent) error {
		_ = c.conn.SetWriteDeadline(time.Now().Add(observerWriteWait))
		return c.conn.WriteJSON(ev)
	}
	for _, ev := range replay {
		if err := write(ev); err != nil {
			return
		}
	}
	for ev := range c.send {
		if err := write(ev); err != nil {
			return
		}
	}
	_ = c.conn.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
}

func (h *ObserverHub) readLoop(c *observerClient) {
	for {
		var ev ObserverEvent
		if err := c.conn.ReadJSON(&ev); err != nil {
			return
		}
		if ev.Type != "prompt" || ev.Content == "" {
			continue
		}
		h.mu.Lock()
		fn, ctx := h.onPrompt, h.baseCtx
		h.mu.Unlock()
		// Without a password anyone who reaches the port could drive the CLI.
		if fn == nil || len(h.passwordHash) == 0 {
			h.Status("prompts are disabled")
			continue
		}
		go fn(ctx, ev.Content)
	}
}

func (h *ObserverHub) context() context.Context {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.baseCtx
}

// Serve listens on addr until ctx is done.
func (h *ObserverHub) Serve(ctx context.Context, addr string) error {
	h.mu.Lock()
	h.baseCtx = ctx
	h.mu.Unlock()

	srv := &http.Server{
		Addr:              addr,
		Handler:           h.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() { errc <- srv.ListenAndServe() }()
	pslog.Ctx(ctx).Info("observer listening", "addr", addr)

	select {
	case err := <-errc:
		return fmt.Errorf("observer: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		h.mu.Lock()
		for c := range h.clients {
			delete(h.clients, c)
			c.close()
		}
		h.mu.Unlock()
		return srv.Shutdown(shutdownCtx)
	}
}

func hashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("empty password")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}

const observerPage = `<!DOCTYPE html>
<html>
<head>
<meta charset="UTF-8">
<meta name="viewport" content="width=device-width, initial-scale=1.0">
<title>cli-relay</title>
<style>
  body { font-family: 'SF Mono', 'Monaco', 'Courier New', monospace; background: #1a1a1a; color: #ddd; margin: 0; }
  #status { padding: 6px 12px; background: #222; color: #aaa; }
  #log { padding: 12px; }
  .msg { white-space: pre-wrap; border-left: 3px solid #4a8; margin: 8px 0; padding: 4px 10px; }
  .notice { color: #db3; }
  form { display: flex; position: sticky; bottom: 0; background: #222; }
  input { flex: 1; background: #111; color: #eee; border: 0; padding: 10px; font: inherit; }
</style>
</head>
<body>
<div id="status">connecting…</div>
<div id="log"></div>
<form id="prompt"><input id="text" autocomplete="off" placeholder="prompt"></form>
<script>
  const log = document.getElementById('log');
  const statusEl = document.getElementById('status');
  const nodes = {};
  const proto = location.protocol === 'https:' ? 'wss://' : 'ws://';
  const ws = new WebSocket(proto + location.host + '/ws' + location.search);
  ws.onopen = () => { statusEl.textContent = 'connected'; };
  ws.onclose = () => { statusEl.textContent = 'disconnected, reload to reconnect'; };
  ws.onmessage = (event) => {
    const ev = JSON.parse(event.data);
    if (ev.type === 'create' || ev.type === 'update') {
      let node = nodes[ev.handle];
      if (!node) {
        node = document.createElement('div');
        node.className = 'msg';
        nodes[ev.handle] = node;
        log.appendChild(node);
      }
      node.textContent = ev.content;
    } else {
      const node = document.createElement('div');
      node.className = 'notice';
      node.textContent = ev.content;
      log.appendChild(node);
    }
    window.scrollTo(0, document.body.scrollHeight);
  };
  document.getElementById('prompt').onsubmit = (e) => {
    e.preventDefault();
    const input = document.getElementById('text');
    if (input.value.trim() === '') return;
    ws.send(JSON.stringify({type: 'prompt', content: input.value}));
    input.value = '';
  };
</script>
</body>
</html>
`
