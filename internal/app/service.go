package app

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strings"
	"time"

	"studiodesk/api/internal/auth"
	"studiodesk/api/internal/authpw"
	"studiodesk/api/internal/config"
	"studiodesk/api/internal/report"
	"studiodesk/api/internal/search"
	"studiodesk/api/internal/session"
	"studiodesk/api/internal/store"
	"studiodesk/api/internal/util"
	"studiodesk/api/internal/workspace"
)

type Session struct {
	Token     string
	UserID    string
	Email     string
	JTI       string
	ExpiresAt time.Time
}

type accountService interface {
	SignUp(ctx context.Context, req authpw.SignUpRequest) (authpw.Account, error)
	SignIn(ctx context.Context, email, password string) (authpw.Account, error)
	ChangePassword(ctx context.Context, email, current, next string) error
}

type sessionStore interface {
	Save(ctx context.Context, tokenHash string, data session.Data, expiresAt time.Time) error
	Lookup(ctx context.Context, tokenHash string) (session.Data, error)
	Revoke(ctx context.Context, tokenHash string) error
}

type searcher interface {
	Search(q search.Query) search.Response
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Deps wires the service. Workspace nil means the backend is not configured
// and only the health routes answer.
type Deps struct {
	Workspace *workspace.Workspace
	Accounts  accountService
	Sessions  sessionStore
	Search    searcher
	DB        pinger
	// ExportPDF defaults to report.ExportPDF.
	ExportPDF func(ctx context.Context, html, title string) (*report.Result, error)
}

type Service struct {
	cfg       config.Config
	ws        *workspace.Workspace
	accounts  accountService
	sessions  sessionStore
	search    searcher
	db        pinger
	exportPDF func(ctx context.Context, html, title string) (*report.Result, error)
}

func New(cfg config.Config, deps Deps) *Service {
	exportPDF := deps.ExportPDF
	if exportPDF == nil {
		exportPDF = report.ExportPDF
	}
	return &Service{
		cfg:       cfg,
		ws:        deps.Workspace,
		accounts:  deps.Accounts,
		sessions:  deps.Sessions,
		search:    deps.Search,
		db:        deps.DB,
		exportPDF: exportPDF,
	}
}

var errBackendMissing = domainError(http.StatusServiceUnavailable, "BACKEND_NOT_CONFIGURED",
	"The workspace backend is not configured. Set DATABASE_URL and restart.", nil)

// Configured reports whether the workspace backend is available.
func (s *Service) Configured() bool {
	return s.ws != nil
}

func (s *Service) Workspace() *workspace.Workspace {
	return s.ws
}

func (s *Service) Ping(ctx context.Context) error {
	if s.db == nil {
		return errors.New("database not configured")
	}
	return s.db.Ping(ctx)
}

// SignUp creates an account and starts the workspace session for it.
func (s *Service) SignUp(ctx context.Context, email, password, name string) (Session, store.User, error) {
	return s.authenticate(ctx, func() (authpw.Account, error) {
		return s.accounts.SignUp(ctx, authpw.SignUpRequest{Email: email, Password: password, Name: name})
	})
}

func (s *Service) SignIn(ctx context.Context, email, password string) (Session, store.User, error) {
	return s.authenticate(ctx, func() (authpw.Account, error) {
		return s.accounts.SignIn(ctx, email, password)
	})
}

func (s *Service) authenticate(ctx context.Context, check func() (authpw.Account, error)) (Session, store.User, error) {
	if !s.Configured() {
		return Session{}, store.User{}, errBackendMissing
	}
	s.ws.BeginAuth()
	account, err := check()
	if err != nil {
		s.ws.AuthFailed(err)
		return Session{}, store.User{}, err
	}
	sess, err := s.issueSession(ctx, account)
	if err != nil {
		s.ws.AuthFailed(err)
		return Session{}, store.User{}, err
	}
	profile, err := s.ws.SignIn(ctx, workspace.Identity{UserID: account.UserID, Email: account.Email})
	if err != nil {
		return Session{}, store.User{}, err
	}
	return sess, profile, nil
}

func (s *Service) issueSession(ctx context.Context, account authpw.Account) (Session, error) {
	expiresAt := time.Now().Add(s.cfg.SessionTTL)
	jti := util.NewID("jti")
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:   account.UserID,
		Email: account.Email,
		JTI:   jti,
		Exp:   expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}
	data := session.Data{UserID: account.UserID, Email: account.Email}
	if err := s.sessions.Save(ctx, auth.HashToken(token), data, expiresAt); err != nil {
		return Session{}, err
	}
	return Session{Token: token, UserID: account.UserID, Email: account.Email, JTI: jti, ExpiresAt: expiresAt}, nil
}

// SessionFromToken validates token and makes sure the workspace is running
// for its user. After a restart the first authenticated request restores
// the session.
func (s *Service) SessionFromToken(ctx context.Context, token string) (Session, error) {
	if !s.Configured() {
		return Session{}, errBackendMissing
	}
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Session{}, err
	}
	data, err := s.sessions.Lookup(ctx, auth.HashToken(token))
	if err != nil {
		if errors.Is(err, session.ErrSessionNotFound) {
			return Session{}, auth.ErrInvalidToken
		}
		return Session{}, err
	}
	if data.UserID != claims.Sub {
		return Session{}, auth.ErrInvalidToken
	}

	sess := Session{Token: token, UserID: claims.Sub, Email: claims.Email, JTI: claims.JTI, ExpiresAt: claims.ExpiresAt()}
	current := s.ws.Identity()
	switch {
	case current.UserID == sess.UserID:
	case current.UserID == "":
		if _, err := s.ws.SignIn(ctx, workspace.Identity{UserID: sess.UserID, Email: sess.Email}); err != nil {
			return Session{}, err
		}
		log.Printf("app: restored workspace session for %s", sess.UserID)
	default:
		return Session{}, domainError(http.StatusConflict, "SESSION_CONFLICT", "Another user is signed in", nil)
	}
	return sess, nil
}

func (s *Service) SignOut(ctx context.Context, sess Session) {
	if sess.Token != "" && s.sessions != nil {
		if err := s.sessions.Revoke(ctx, auth.HashToken(sess.Token)); err != nil {
			log.Printf("app: revoke session: %v", err)
		}
	}
	if s.ws != nil {
		s.ws.SignOut(ctx)
	}
}

func (s *Service) ChangePassword(ctx context.Context, sess Session, current, next string) error {
	return s.accounts.ChangePassword(ctx, sess.Email, current, next)
}

func (s *Service) Search(q search.Query) search.Response {
	if s.search == nil {
		return search.Response{Results: []search.Result{}, Query: strings.TrimSpace(q.Text)}
	}
	return s.search.Search(q)
}

// ReportHTML renders the current report, including insight text when asked.
func (s *Service) ReportHTML(ctx context.Context, withInsight bool) (string, error) {
	summary, err := s.ws.Report(time.Now())
	if err != nil {
		return "", err
	}
	insight := ""
	if withInsight {
		if insight, err = s.ws.Insight(ctx); err != nil {
			return "", err
		}
	}
	return report.RenderHTML("", summary, insight)
}

func (s *Service) ReportPDF(ctx context.Context, withInsight bool) (*report.Result, error) {
	html, err := s.ReportHTML(ctx, withInsight)
	if err != nil {
		return nil, err
	}
	title := "Workspace report " + time.Now().Format(report.DueDateLayout)
	return s.exportPDF(ctx, html, title)
}
