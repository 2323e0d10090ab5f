package server

import (
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/MarcoPoloResearchLab/framemark/internal/annotations"
	"github.com/MarcoPoloResearchLab/framemark/internal/auth"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

type stubValidator struct {
	claims auth.SessionClaims
	err    error
}

func (s stubValidator) ValidateRequest(*http.Request) (auth.SessionClaims, error) {
	return s.claims, s.err
}

func TestAuthorizeRequestLogsExpiredTokenAtInfoLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/users", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubValidator{err: auth.ErrExpiredSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if recorder.Code != http.StatusUnauthorized {
		t.Fatalf("unexpected status code: got %d, want %d", recorder.Code, http.StatusUnauthorized)
	}
	entries := logs.All()
	if len(entries) != 1 {
		t.Fatalf("expected exactly one log entry, got %d", len(entries))
	}
	if entries[0].Level != zapcore.InfoLevel || entries[0].Message != "token validation failed" {
		t.Fatalf("unexpected log entry %+v", entries[0])
	}
}

func TestAuthorizeRequestLogsForgedTokenAtWarnLevel(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/users", http.NoBody)

	core, logs := observer.New(zapcore.DebugLevel)
	handler := &httpHandler{
		sessions: stubValidator{err: auth.ErrInvalidSessionToken},
		logger:   zap.New(core),
	}

	handler.authorizeRequest(ctx)

	if !ctx.IsAborted() {
		t.Fatalf("expected the request to be aborted")
	}
	if entries := logs.FilterLevelExact(zapcore.WarnLevel).All(); len(entries) != 1 {
		t.Fatalf("expected one warn entry, got %d", len(entries))
	}
}

func TestAuthorizeRequestStoresUserID(t *testing.T) {
	gin.SetMode(gin.TestMode)
	recorder := httptest.NewRecorder()
	ctx, _ := gin.CreateTestContext(recorder)
	ctx.Request = httptest.NewRequest(http.MethodGet, "/users", http.NoBody)

	handler := &httpHandler{
		sessions: stubValidator{claims: auth.SessionClaims{UserID: "u_1"}},
		logger:   zap.NewNop(),
	}
	handler.authorizeRequest(ctx)

	if ctx.IsAborted() || ctx.GetString(userIDContextKey) != "u_1" {
		t.Fatalf("expected the user id in the context")
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	server := newTestServer(t, serverOptions{withAuth: true})

	if recorder := server.do(t, http.MethodPost, "/users/offline", offlineUserRequest{Name: "Ada"}, ""); recorder.Code != http.StatusUnauthorized {
		t.Fatalf("expected 401 without a token, got %d", recorder.Code)
	}

	token, _, err := server.tokens.Issue("u_1", "Leanne Graham")
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	if recorder := server.do(t, http.MethodPost, "/users/offline", offlineUserRequest{Name: "Ada"}, token); recorder.Code != http.StatusCreated {
		t.Fatalf("expected 201 with a token, got %d %s", recorder.Code, recorder.Body.String())
	}

	request := httptest.NewRequest(http.MethodPost, "/users/offline", nil)
	request.AddCookie(&http.Cookie{Name: testCookie, Value: token, Expires: time.Now().Add(time.Hour)})
	recorder := httptest.NewRecorder()
	server.handler.ServeHTTP(recorder, request)
	if recorder.Code == http.StatusUnauthorized {
		t.Fatalf("expected the session cookie to authenticate")
	}
}

func TestSessionsAreBoundToTheAuthenticatedUser(t *testing.T) {
	server := newTestServer(t, serverOptions{withAuth: true})
	user, err := server.users.CreateOffline(t.Context(), "Ada Lovelace", "ada@example.com")
	if err != nil {
		t.Fatalf("failed to create user: %v", err)
	}
	token, _, err := server.tokens.Issue(user.ID, user.Name)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	foreign := server.do(t, http.MethodPost, "/sessions", openSessionRequest{UserID: "u_42", VideoURI: testVideoURI}, token)
	if foreign.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for another user's session, got %d", foreign.Code)
	}

	implicit := server.do(t, http.MethodPost, "/sessions", openSessionRequest{VideoURI: testVideoURI}, token)
	if implicit.Code != http.StatusOK {
		t.Fatalf("expected the token user to own the session, got %d %s", implicit.Code, implicit.Body.String())
	}
}

func TestSessionRoutesRejectOtherUsers(t *testing.T) {
	server := newTestServer(t, serverOptions{withAuth: true})
	owner, err := server.users.CreateOffline(t.Context(), "Ada Lovelace", "ada@example.com")
	if err != nil {
		t.Fatalf("failed to create owner: %v", err)
	}
	intruder, err := server.users.CreateOffline(t.Context(), "Mallory", "")
	if err != nil {
		t.Fatalf("failed to create intruder: %v", err)
	}
	ownerToken, _, err := server.tokens.Issue(owner.ID, owner.Name)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	intruderToken, _, err := server.tokens.Issue(intruder.ID, intruder.Name)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}

	opened := server.do(t, http.MethodPost, "/sessions", openSessionRequest{VideoURI: testVideoURI}, ownerToken)
	if opened.Code != http.StatusOK {
		t.Fatalf("open session failed: %d %s", opened.Code, opened.Body.String())
	}
	session := decode[openSessionResponse](t, opened).Session
	stroke := server.do(t, http.MethodPost, sessionPath(session.ID, "/strokes"), strokeRequest{Path: "M 1 1 L 2 2", StartMillis: 0}, ownerToken)
	if stroke.Code != http.StatusCreated {
		t.Fatalf("add stroke failed: %d %s", stroke.Code, stroke.Body.String())
	}
	strokeID := decode[annotations.Stroke](t, stroke).ID

	for _, request := range []struct {
		method string
		target string
		body   any
	}{
		{http.MethodGet, sessionPath(session.ID, ""), nil},
		{http.MethodPost, sessionPath(session.ID, "/comments"), commentRequest{Text: "not mine", OffsetMillis: 10}},
		{http.MethodGet, sessionPath(session.ID, "/comments"), nil},
		{http.MethodPost, sessionPath(session.ID, "/strokes"), strokeRequest{Path: "M 0 0", StartMillis: 0}},
		{http.MethodGet, sessionPath(session.ID, "/strokes"), nil},
		{http.MethodDelete, sessionPath(session.ID, "/strokes"), nil},
		{http.MethodDelete, "/strokes/" + strokeID, nil},
		{http.MethodPost, sessionPath(session.ID, "/position"), positionRequest{Seconds: ptrFloat(1)}},
		{http.MethodPost, sessionPath(session.ID, "/touch"), nil},
		{http.MethodGet, sessionPath(session.ID, "/events"), nil},
		{http.MethodGet, "/users/" + owner.ID + "/sessions", nil},
		{http.MethodPost, "/users/" + owner.ID + "/remote", attachRemoteRequest{RemoteID: 3}},
	} {
		if recorder := server.do(t, request.method, request.target, request.body, intruderToken); recorder.Code != http.StatusForbidden {
			t.Fatalf("%s %s: expected 403, got %d %s", request.method, request.target, recorder.Code, recorder.Body.String())
		}
	}

	strokes := server.do(t, http.MethodGet, sessionPath(session.ID, "/strokes"), nil, ownerToken)
	if body := decode[struct {
		Strokes []annotations.Stroke `json:"strokes"`
	}](t, strokes); len(body.Strokes) != 1 {
		t.Fatalf("expected the owner's stroke to survive, got %s", strokes.Body.String())
	}
	comments := server.do(t, http.MethodGet, sessionPath(session.ID, "/comments"), nil, ownerToken)
	if body := decode[struct {
		Comments []annotations.Comment `json:"comments"`
	}](t, comments); len(body.Comments) != 0 {
		t.Fatalf("expected no foreign comments, got %s", comments.Body.String())
	}
	if recorder := server.do(t, http.MethodDelete, "/strokes/"+strokeID, nil, ownerToken); recorder.Code != http.StatusNoContent {
		t.Fatalf("expected the owner to delete the stroke, got %d", recorder.Code)
	}
}
