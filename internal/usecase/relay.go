package usecase

import (
	"context"
	"errors"
	"log/slog"
	"strings"

	"github.com/go-playground/validator/v10"
	"golang.org/x/sync/errgroup"

	"line-token-relay/internal/domain"
)

var validate = validator.New()

const (
	defaultTriggerPhrase  = "token"
	defaultMaxConcurrency = 10
)

type TokenStore interface {
	GetOrCreate(ctx context.Context, userID string) (token string, created bool, err error)
	UserForToken(token string) (string, bool)
}

type Messenger interface {
	Reply(ctx context.Context, replyToken, text string) error
	Push(ctx context.Context, to, text string) error
}

type httpStatusCoder interface {
	HTTPStatusCode() int
}

type PushOutcome string

const (
	PushSent           PushOutcome = "SENT"
	PushUserNotFound   PushOutcome = "USER_NOT_FOUND"
	PushInvalidInput   PushOutcome = "INVALID_INPUT"
	PushTransportError PushOutcome = "TRANSPORT_ERROR"
)

// PushResult is the outcome of a push. Err is set for every outcome but PushSent.
type PushResult struct {
	Outcome PushOutcome
	UserID  string
	Err     error
}

// ReplyResult describes what happened for one trigger event.
type ReplyResult struct {
	UserID  string
	Token   string
	Created bool
	Err     error
}

type RelayService struct {
	store          TokenStore
	messenger      Messenger
	triggerPhrase  string
	maxConcurrency int
	log            *slog.Logger
}

func NewRelayService(store TokenStore, messenger Messenger, triggerPhrase string, maxConcurrency int, logger *slog.Logger) (*RelayService, error) {
	if store == nil {
		return nil, errors.New("usecase: token store must not be nil")
	}
	if messenger == nil {
		return nil, errors.New("usecase: messenger must not be nil")
	}
	if strings.TrimSpace(triggerPhrase) == "" {
		triggerPhrase = defaultTriggerPhrase
	}
	if maxConcurrency <= 0 {
		maxConcurrency = defaultMaxConcurrency
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &RelayService{
		store:          store,
		messenger:      messenger,
		triggerPhrase:  triggerPhrase,
		maxConcurrency: maxConcurrency,
		log:            logger,
	}, nil
}

// HandleEvents replies with the sender's token to every event whose text is
// exactly the trigger phrase. Other events are ignored. Replies run
// concurrently and all of them settle before HandleEvents returns.
func (s *RelayService) HandleEvents(ctx context.Context, events []domain.Event) []ReplyResult {
	var results []ReplyResult
	var replyTokens []string
	for _, ev := range events {
		userID := ev.UserID()
		if userID == "" || !ev.IsText(s.triggerPhrase) {
			continue
		}
		res := ReplyResult{UserID: userID}
		res.Token, res.Created, res.Err = s.store.GetOrCreate(ctx, userID)
		if res.Err != nil {
			res.Err = newError(ErrorInternal, "token_create_error", res.Err)
		}
		results = append(results, res)
		replyTokens = append(replyTokens, ev.ReplyToken)
	}

	var g errgroup.Group
	g.SetLimit(s.maxConcurrency)
	for i := range results {
		if results[i].Err != nil {
			s.log.Error("failed to issue token", "user_id", results[i].UserID, "err", results[i].Err)
			continue
		}
		g.Go(func() error {
			res := &results[i]
			if err := s.messenger.Reply(ctx, replyTokens[i], res.Token); err != nil {
				res.Err = newError(ErrorUpstream, upstreamReason("reply", err), err)
				s.log.Error("failed to reply with token", "user_id", res.UserID, "err", err)
				return nil
			}
			s.log.Info("token replied", "user_id", res.UserID, "created", res.Created)
			return nil
		})
	}
	_ = g.Wait()
	return results
}

// Push sends message to the user owning token. The token is resolved before
// the message is checked, so an unknown token is always PushUserNotFound.
func (s *RelayService) Push(ctx context.Context, token, message string) PushResult {
	userID, ok := s.store.UserForToken(strings.TrimSpace(token))
	if !ok {
		return PushResult{
			Outcome: PushUserNotFound,
			Err:     newError(ErrorUserNotFound, "unknown_token", nil),
		}
	}
	if err := validate.Struct(domain.PushRequest{Message: message}); err != nil {
		return PushResult{
			Outcome: PushInvalidInput,
			UserID:  userID,
			Err:     newError(ErrorInvalidInput, "empty_message", err),
		}
	}
	if err := s.messenger.Push(ctx, userID, message); err != nil {
		s.log.Error("failed to push message", "user_id", userID, "err", err)
		return PushResult{
			Outcome: PushTransportError,
			UserID:  userID,
			Err:     newError(ErrorUpstream, upstreamReason("push", err), err),
		}
	}
	return PushResult{Outcome: PushSent, UserID: userID}
}

func upstreamReason(op string, err error) string {
	var statusErr httpStatusCoder
	if errors.As(err, &statusErr) && statusErr.HTTPStatusCode() == 429 {
		return "line_" + op + "_rate_limited"
	}
	return "line_" + op + "_error"
}
