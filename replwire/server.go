package replwire

import (
	"context"
	"encoding/json"
	"errors"
	"net"

	"github.com/go-kit/log"
	"github.com/go-kit/log/level"

	"github.com/riftkv/riftkv/raft"
)

// Server accepts connections and dispatches each one's single request to a
// raft.Node, per §6.
type Server struct {
	node   *raft.Node
	logger log.Logger
}

// NewServer returns a Server dispatching to node.
func NewServer(node *raft.Node, logger log.Logger) *Server {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Server{node: node, logger: logger}
}

// Serve listens on addr and handles connections until ctx is cancelled or
// the listener errors. One goroutine per connection, split into an accept
// loop and a dedicated per-connection handler.
func (s *Server) Serve(ctx context.Context, addr string) error {
	lc := net.ListenConfig{}
	ln, err := lc.Listen(ctx, "tcp", addr)
	if err != nil {
		return err
	}
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		conn, err := ln.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				return err
			}
		}
		go s.handle(ctx, conn)
	}
}

func (s *Server) handle(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		level.Debug(s.logger).Log("msg", "failed to decode request", "err", err)
		return
	}

	resp := s.process(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		level.Debug(s.logger).Log("msg", "failed to encode response", "err", err)
	}
}

func (s *Server) process(ctx context.Context, req request) response {
	switch req.Cmd {
	case "request_vote":
		reply := s.node.HandleRequestVote(raft.RequestVoteArgs{
			Term:         req.Term,
			CandidateID:  req.CandidateID,
			LastLogIndex: req.LastLogIndex,
			LastLogTerm:  req.LastLogTerm,
		})
		return response{OK: true, Term: reply.Term, VoteGranted: reply.VoteGranted}

	case "append_entries":
		reply := s.node.HandleAppendEntries(raft.AppendEntriesArgs{
			Term:         req.Term,
			LeaderID:     req.LeaderID,
			PrevLogIndex: req.PrevLogIndex,
			PrevLogTerm:  req.PrevLogTerm,
			Entries:      req.Entries,
			LeaderCommit: req.LeaderCommit,
		})
		return response{OK: true, Term: reply.Term, Success: reply.Success}

	case "client_request":
		idx, result, err := s.node.Submit(ctx, req.Command)
		if err != nil {
			var nle *raft.NotLeaderError
			if errors.As(err, &nle) {
				return response{OK: false, Error: "not leader", LeaderID: nle.LeaderID}
			}
			return response{OK: false, Error: err.Error()}
		}
		resultJSON, merr := json.Marshal(result)
		if merr != nil {
			return response{OK: false, Error: merr.Error()}
		}
		return response{OK: true, Index: idx, Result: resultJSON}

	case "status":
		st := s.node.Status()
		return response{
			OK:          true,
			State:       st.State.String(),
			Term:        st.Term,
			LeaderID:    st.LeaderID,
			CommitIndex: st.CommitIndex,
			LastApplied: st.LastApplied,
			LogLength:   st.LogLength,
		}

	default:
		return response{OK: false, Error: "unknown command"}
	}
}
