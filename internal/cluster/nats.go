package cluster

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"runtime/debug"
	"strconv"

	"github.com/google/uuid"
	"github.com/nats-io/nats.go"
	"golang.org/x/sync/errgroup"

	"github.com/withObsrvr/obsrvr-injections/internal/injection"
	"github.com/withObsrvr/obsrvr-injections/internal/logging"
)

// QueueGroup is the queue group every engine joins on the shared subject.
const QueueGroup = "engines"

// maxInFlight caps outstanding requests per Map call.
const maxInFlight = 256

// taskMessage is the request sent to an engine.
type taskMessage struct {
	ID    string          `json:"id"`
	RunID string          `json:"run_id,omitempty"`
	Query injection.Query `json:"query"`
}

// replyMessage is an engine's answer.
type replyMessage struct {
	ID     string `json:"id"`
	Engine int    `json:"engine"`
	Path   string `json:"path,omitempty"`
	Error  string `json:"error,omitempty"`
}

// RemoteError is a handler failure reported by a NATS engine.
type RemoteError struct {
	Engine  int
	Message string
}

func (e *RemoteError) Error() string {
	return fmt.Sprintf("engine %d: %s", e.Engine, e.Message)
}

// DirectSubject is the subject a single engine listens on.
func DirectSubject(subject string, engineID int) string {
	return subject + ".engine." + strconv.Itoa(engineID)
}

type natsPool struct {
	conn    *nats.Conn
	profile Profile
	direct  bool
}

func (p *natsPool) Map(ctx context.Context, queries []injection.Query) ([]Outcome, error) {
	outcomes := make([]Outcome, len(queries))
	if len(queries) == 0 {
		return outcomes, nil
	}

	subjects := make([]string, len(queries))
	if p.direct {
		for engine, r := range chunks(len(queries), p.profile.Engines) {
			for i := r[0]; i < r[1]; i++ {
				subjects[i] = DirectSubject(p.profile.NATS.Subject, engine)
			}
		}
	} else {
		for i := range subjects {
			subjects[i] = p.profile.NATS.Subject
		}
	}

	runID := logging.CorrelationID(ctx)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxInFlight)

	for i := range queries {
		i := i
		g.Go(func() error {
			out, err := p.request(gctx, subjects[i], taskMessage{
				ID:    uuid.NewString(),
				RunID: runID,
				Query: queries[i],
			})
			if err != nil {
				return fmt.Errorf("task %d (kic %d): %w", i, queries[i].KICID, err)
			}
			outcomes[i] = out
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return outcomes, nil
}

func (p *natsPool) request(ctx context.Context, subject string, msg taskMessage) (Outcome, error) {
	data, err := json.Marshal(msg)
	if err != nil {
		return Outcome{}, fmt.Errorf("encode task: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, p.profile.NATS.RequestTimeout)
	defer cancel()

	resp, err := p.conn.RequestWithContext(reqCtx, subject, data)
	if err != nil {
		if errors.Is(err, nats.ErrNoResponders) {
			return Outcome{}, fmt.Errorf("no engine listening on %s: %w", subject, err)
		}
		return Outcome{}, fmt.Errorf("request on %s: %w", subject, err)
	}

	var reply replyMessage
	if err := json.Unmarshal(resp.Data, &reply); err != nil {
		return Outcome{}, fmt.Errorf("decode reply: %w", err)
	}
	if reply.Error != "" {
		return Outcome{Err: &RemoteError{Engine: reply.Engine, Message: reply.Error}}, nil
	}
	return Outcome{Path: reply.Path}, nil
}

// Serve runs an engine: it takes tasks from the shared queue group and from
// its own direct subject, one at a time, until ctx is cancelled.
func Serve(ctx context.Context, conn *nats.Conn, subject string, engineID int, handler Handler) error {
	log := logging.EngineLogger(engineID)

	// Both subscriptions feed one channel so the engine runs a single task
	// at a time.
	work := make(chan *nats.Msg)
	cb := func(m *nats.Msg) {
		select {
		case work <- m:
		case <-ctx.Done():
		}
	}

	shared, err := conn.QueueSubscribe(subject, QueueGroup, cb)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", subject, err)
	}
	defer shared.Unsubscribe()

	own, err := conn.Subscribe(DirectSubject(subject, engineID), cb)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", DirectSubject(subject, engineID), err)
	}
	defer own.Unsubscribe()

	if err := conn.Flush(); err != nil {
		return fmt.Errorf("flush subscriptions: %w", err)
	}
	log.Info("engine ready", "subject", subject)

	for {
		select {
		case <-ctx.Done():
			log.Info("engine stopping")
			return nil
		case m := <-work:
			reply := handle(ctx, engineID, handler, m.Data)
			data, err := json.Marshal(reply)
			if err != nil {
				log.Error("encode reply", "error", err)
				continue
			}
			if err := m.Respond(data); err != nil {
				log.Error("send reply", "error", err, "task", reply.ID)
			}
		}
	}
}

func handle(ctx context.Context, engineID int, handler Handler, data []byte) (reply replyMessage) {
	reply.Engine = engineID

	var msg taskMessage
	if err := json.Unmarshal(data, &msg); err != nil {
		reply.Error = fmt.Sprintf("decode task: %v", err)
		return reply
	}
	reply.ID = msg.ID
	if msg.RunID != "" {
		ctx = logging.WithCorrelationID(ctx, msg.RunID)
	}

	defer func() {
		if r := recover(); r != nil {
			logging.EngineLogger(engineID).Error("handler panicked",
				"kicid", msg.Query.KICID,
				"panic", r,
				"stack", string(debug.Stack()),
			)
			reply.Path = ""
			reply.Error = fmt.Sprintf("panic: %v", r)
		}
	}()

	path, err := handler(ctx, msg.Query)
	if err != nil {
		reply.Error = err.Error()
		return reply
	}
	reply.Path = path
	return reply
}
