package sandbox

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/url"
	"os"
	"strings"
	"sync"
	"sync/atomic"

	"harvester/internal/browser"
	logx "harvester/pkg/logx"
)

const maxRequestBytes = 1 << 20

// CapabilityRequest is one line sent by the routine.
type CapabilityRequest struct {
	ID   int64           `json:"id"`
	Op   string          `json:"op"`
	Args json.RawMessage `json:"args,omitempty"`
}

// CapabilityResponse is the broker's answer to one request.
type CapabilityResponse struct {
	ID     int64  `json:"id"`
	OK     bool   `json:"ok"`
	Result any    `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
}

type capabilityArgs struct {
	URL      string            `json:"url"`
	Selector string            `json:"selector"`
	Item     string            `json:"item"`
	Fields   map[string]string `json:"fields"`
}

// Broker serves the capability page of one run on a unix socket. It is the
// routine's only way to reach a browser.
type Broker struct {
	ln     net.Listener
	page   browser.Page
	target string
	log    logx.Logger
	ctx    context.Context

	pageMu sync.Mutex
	calls  atomic.Int64

	connMu sync.Mutex
	conns  map[net.Conn]struct{}
	closed bool
	wg     sync.WaitGroup
}

// ListenBroker starts serving page at path. A nil page answers every op with
// browser.ErrUnavailable. The broker owns page and closes it in Close.
func ListenBroker(ctx context.Context, path string, page browser.Page, target string, log logx.Logger) (*Broker, error) {
	_ = os.Remove(path)
	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, err
	}
	b := &Broker{
		ln:     ln,
		page:   page,
		target: target,
		log:    log.Named("sandbox.broker"),
		ctx:    ctx,
		conns:  map[net.Conn]struct{}{},
	}
	b.wg.Add(1)
	go b.accept()
	return b, nil
}

func (b *Broker) Calls() int { return int(b.calls.Load()) }

func (b *Broker) accept() {
	defer b.wg.Done()
	for {
		conn, err := b.ln.Accept()
		if err != nil {
			return
		}
		b.connMu.Lock()
		if b.closed {
			b.connMu.Unlock()
			_ = conn.Close()
			return
		}
		b.conns[conn] = struct{}{}
		b.wg.Add(1)
		b.connMu.Unlock()
		go b.serve(conn)
	}
}

func (b *Broker) serve(conn net.Conn) {
	defer b.wg.Done()
	defer func() {
		b.connMu.Lock()
		delete(b.conns, conn)
		b.connMu.Unlock()
		_ = conn.Close()
	}()

	sc := bufio.NewScanner(conn)
	sc.Buffer(make([]byte, 0, 64<<10), maxRequestBytes)
	enc := json.NewEncoder(conn)
	for sc.Scan() {
		var req CapabilityRequest
		resp := CapabilityResponse{}
		if err := json.Unmarshal(sc.Bytes(), &req); err != nil {
			resp.Error = "malformed request: " + err.Error()
		} else {
			resp = b.handle(req)
		}
		if err := enc.Encode(resp); err != nil {
			return
		}
	}
}

func (b *Broker) handle(req CapabilityRequest) (resp CapabilityResponse) {
	resp.ID = req.ID
	b.calls.Add(1)
	defer func() {
		if p := recover(); p != nil {
			resp.OK, resp.Result, resp.Error = false, nil, fmt.Sprintf("capability panic: %v", p)
		}
	}()

	result, err := b.dispatch(req)
	if err != nil {
		resp.Error = err.Error()
		return resp
	}
	resp.OK, resp.Result = true, result
	return resp
}

func (b *Broker) dispatch(req CapabilityRequest) (any, error) {
	if b.page == nil {
		return nil, browser.ErrUnavailable
	}
	var args capabilityArgs
	if len(req.Args) > 0 {
		if err := json.Unmarshal(req.Args, &args); err != nil {
			return nil, fmt.Errorf("bad args for %s: %w", req.Op, err)
		}
	}

	// One tab per run; operations are serialized on it.
	b.pageMu.Lock()
	defer b.pageMu.Unlock()
	ctx := b.ctx

	switch req.Op {
	case "goto":
		u := args.URL
		if u == "" {
			u = b.target
		}
		if err := checkNavigable(u); err != nil {
			return nil, err
		}
		if err := b.page.Navigate(ctx, u); err != nil {
			return nil, err
		}
		return b.page.URL(ctx)
	case "url":
		return b.page.URL(ctx)
	case "content":
		return b.page.HTML(ctx)
	case "text":
		html, err := b.page.HTML(ctx)
		if err != nil {
			return nil, err
		}
		return browser.Text(html, args.Selector)
	case "extract":
		if args.Item == "" {
			return nil, errors.New("extract: item selector is required")
		}
		html, err := b.page.HTML(ctx)
		if err != nil {
			return nil, err
		}
		return browser.Extract(html, args.Item, args.Fields)
	case "markdown":
		html, err := b.page.HTML(ctx)
		if err != nil {
			return nil, err
		}
		u, _ := b.page.URL(ctx)
		return browser.Markdown(html, u)
	default:
		return nil, fmt.Errorf("unknown op %q", req.Op)
	}
}

// checkNavigable admits only absolute http(s) URLs, so the page can never
// load file:, data: or browser-internal schemes on the routine's behalf.
func checkNavigable(raw string) error {
	if strings.TrimSpace(raw) == "" {
		return errors.New("goto: url is required")
	}
	u, err := url.Parse(raw)
	if err != nil {
		return fmt.Errorf("goto: %w", err)
	}
	switch strings.ToLower(u.Scheme) {
	case "http", "https":
	default:
		return fmt.Errorf("goto: scheme %q is not allowed", u.Scheme)
	}
	if u.Host == "" {
		return errors.New("goto: url has no host")
	}
	return nil
}

// Close stops accepting, drops open connections, waits for handlers and
// releases the page.
func (b *Broker) Close() {
	b.connMu.Lock()
	if b.closed {
		b.connMu.Unlock()
		return
	}
	b.closed = true
	_ = b.ln.Close()
	for c := range b.conns {
		_ = c.Close()
	}
	b.connMu.Unlock()

	b.wg.Wait()
	if b.page != nil {
		if err := b.page.Close(); err != nil {
			b.log.Debug("page close failed", logx.Err(err))
		}
	}
}
