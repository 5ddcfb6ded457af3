// Package bridge speaks the newline-delimited JSON-RPC framing on a pair of
// byte streams (stdin/stdout in production) and relays each message to the
// engine's HTTP RPC endpoint. The engine is launched lazily on the first
// initialization handshake and torn down when the input stream ends.
package bridge

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"sync"

	"github.com/theredsix/abp/internal/engine"
	"github.com/theredsix/abp/internal/logging"
	"github.com/theredsix/abp/internal/protocol"
	"github.com/theredsix/abp/internal/supervisor"
	"github.com/theredsix/abp/internal/transform"
)

const (
	// initializeMethod is the handshake that triggers the lazy engine launch.
	initializeMethod = "initialize"

	// maxLineBytes bounds one input line. Screenshots travel base64-encoded
	// inside responses, not requests, so this is generous already.
	maxLineBytes = 10 * 1024 * 1024
)

// Bridge forwards line-delimited RPC messages to the engine. Input lines are
// read in order but forwarded concurrently, so a slow request never blocks
// the next line; output ordering across in-flight requests is not defined.
type Bridge struct {
	client *engine.Client
	sup    *supervisor.Supervisor
	tf     *transform.Transformer
	logger *logging.Logger

	in  io.Reader
	out io.Writer

	outMu sync.Mutex

	tokenMu sync.Mutex
	token   string

	wg sync.WaitGroup
}

func New(client *engine.Client, sup *supervisor.Supervisor, logger *logging.Logger, in io.Reader, out io.Writer) *Bridge {
	return &Bridge{
		client: client,
		sup:    sup,
		tf:     transform.New(),
		logger: logger,
		in:     in,
		out:    out,
	}
}

// Run consumes the input stream until EOF or context cancellation, then
// waits for all in-flight forwards to finish. The reader runs in its own
// goroutine: a blocking stdin read cannot be interrupted, so on cancel it is
// abandoned rather than waited for, and a termination signal ends Run even
// while stdin stays open.
func (b *Bridge) Run(ctx context.Context) error {
	lines := make(chan []byte)
	scanErr := make(chan error, 1)

	go func() {
		defer close(lines)
		scanner := bufio.NewScanner(b.in)
		scanner.Buffer(make([]byte, 64*1024), maxLineBytes)
		for scanner.Scan() {
			line := bytes.TrimSpace(scanner.Bytes())
			if len(line) == 0 {
				continue
			}
			// The scanner reuses its buffer across Scan calls.
			owned := make([]byte, len(line))
			copy(owned, line)
			select {
			case lines <- owned:
			case <-ctx.Done():
				return
			}
		}
		scanErr <- scanner.Err()
	}()

loop:
	for {
		select {
		case line, ok := <-lines:
			if !ok {
				break loop
			}
			b.wg.Add(1)
			go func() {
				defer b.wg.Done()
				b.handleLine(ctx, line)
			}()
		case <-ctx.Done():
			break loop
		}
	}

	b.wg.Wait()
	if ctx.Err() != nil {
		return nil
	}
	select {
	case err := <-scanErr:
		if err != nil {
			return fmt.Errorf("read input: %w", err)
		}
	default:
	}
	return nil
}

// Shutdown stops the engine instance the bridge launched, if any. Engines it
// merely reused are left alone.
func (b *Bridge) Shutdown(ctx context.Context) {
	if !b.sup.Managed() {
		return
	}
	if err := b.sup.Stop(ctx); err != nil {
		b.logger.Errorf("bridge shutdown: %v", err)
	}
}

func (b *Bridge) handleLine(ctx context.Context, line []byte) {
	var msg protocol.RPCMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		// Salvage the id when the envelope is recognizable, so a caller
		// with a malformed request is not left waiting forever.
		var envelope struct {
			ID json.RawMessage `json:"id"`
		}
		if json.Unmarshal(line, &envelope) == nil && len(envelope.ID) > 0 {
			b.logger.Errorf("bridge: malformed request %s: %v", envelope.ID, err)
			reply := protocol.NewErrorResponse(envelope.ID, protocol.RPCParseError, "parse error")
			if out, err := json.Marshal(reply); err == nil {
				b.writeLine(out)
			}
			return
		}
		b.logger.Errorf("bridge: dropping unparseable input line: %v", err)
		return
	}

	if msg.Method == initializeMethod {
		if err := b.sup.EnsureRunning(ctx); err != nil {
			b.fail(&msg, fmt.Sprintf("engine start failed: %v", err))
			return
		}
	}

	res, err := b.client.CallRPC(ctx, line, b.sessionToken())
	if err != nil {
		b.fail(&msg, fmt.Sprintf("forward failed: %v", err))
		return
	}
	if res.Token != "" {
		b.setSessionToken(res.Token)
	}
	if res.NoContent {
		return
	}

	out, err := b.reshape(res.Body)
	if err != nil {
		b.fail(&msg, fmt.Sprintf("bad engine response: %v", err))
		return
	}
	b.writeLine(out)
}

// reshape runs the response's result payload through the transformer and
// guarantees the output is a single compact line.
func (b *Bridge) reshape(body []byte) ([]byte, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}

	if result, ok := fields["result"]; ok {
		transformed := b.tf.TransformResult(result)
		if !bytes.Equal(transformed, result) {
			fields["result"] = transformed
			return json.Marshal(fields)
		}
	}

	// Untouched: keep the engine's own field order, just flatten framing.
	var buf bytes.Buffer
	if err := json.Compact(&buf, body); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}

// fail answers a request with a protocol error reply. Notifications have
// nobody waiting, so their failures are logged and swallowed.
func (b *Bridge) fail(msg *protocol.RPCMessage, detail string) {
	b.logger.Errorf("bridge: %s (method=%s)", detail, msg.Method)
	if msg.IsNotification() {
		return
	}
	reply := protocol.NewErrorResponse(msg.ID, protocol.RPCInternalError, detail)
	out, err := json.Marshal(reply)
	if err != nil {
		b.logger.Errorf("bridge: encode error reply: %v", err)
		return
	}
	b.writeLine(out)
}

func (b *Bridge) writeLine(line []byte) {
	b.outMu.Lock()
	defer b.outMu.Unlock()
	if _, err := b.out.Write(append(line, '\n')); err != nil {
		b.logger.Errorf("bridge: write output: %v", err)
	}
}

func (b *Bridge) sessionToken() string {
	b.tokenMu.Lock()
	defer b.tokenMu.Unlock()
	return b.token
}

func (b *Bridge) setSessionToken(token string) {
	b.tokenMu.Lock()
	b.token = token
	b.tokenMu.Unlock()
}
