package http

import (
	"errors"
	"net/http"
	"strconv"

	"github.com/dkeye/callcore/internal/adapters/livekit"
	"github.com/dkeye/callcore/internal/app"
	"github.com/dkeye/callcore/internal/core"
	"github.com/dkeye/callcore/internal/domain"
	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog/log"
)

type handlers struct {
	auth      *Authenticator
	directory core.Directory
	tokens    core.TokenIssuer
	history   core.HistoryReader
	sink      core.HistorySink
}

func statusOf(err error) int {
	switch {
	case errors.Is(err, ErrUnauthorized):
		return http.StatusUnauthorized
	case errors.Is(err, domain.ErrNotMember):
		return http.StatusForbidden
	case errors.Is(err, app.ErrChatNotFound):
		return http.StatusNotFound
	case errors.Is(err, livekit.ErrNotConfigured):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := statusOf(err)
	if code == http.StatusInternalServerError {
		log.Error().Err(err).Str("module", "adapters.http").Str("path", c.FullPath()).Msg("request failed")
	}
	c.JSON(code, gin.H{"error": err.Error()})
}

type loginRequest struct {
	MemberID domain.MemberID `json:"memberId" binding:"required"`
}

type loginResponse struct {
	Token string `json:"token"`
}

func (h *handlers) login(c *gin.Context) {
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing or invalid memberId"})
		return
	}
	chats, err := h.directory.ChatsOf(c.Request.Context(), req.MemberID)
	if err != nil {
		fail(c, err)
		return
	}
	if len(chats) == 0 {
		fail(c, domain.ErrNotMember)
		return
	}
	tok, err := h.auth.Issue(req.MemberID)
	if err != nil {
		fail(c, err)
		return
	}
	sess := sessions.Default(c)
	sess.Set(sessionMemberKey, string(req.MemberID))
	if err := sess.Save(); err != nil {
		log.Warn().Err(err).Str("module", "adapters.http").Msg("save session")
	}
	log.Info().Str("module", "adapters.http").Str("member", string(req.MemberID)).Msg("login")
	c.JSON(http.StatusOK, loginResponse{Token: tok})
}

// requireChat loads the chat and checks the caller belongs to it.
func (h *handlers) requireChat(c *gin.Context, id domain.ChatID) (domain.Chat, bool) {
	chat, err := h.directory.Chat(c.Request.Context(), id)
	if err != nil {
		fail(c, err)
		return domain.Chat{}, false
	}
	if !chat.Has(memberOf(c)) {
		fail(c, domain.ErrNotMember)
		return domain.Chat{}, false
	}
	return chat, true
}

func (h *handlers) listChats(c *gin.Context) {
	ids, err := h.directory.ChatsOf(c.Request.Context(), memberOf(c))
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]domain.Chat, 0, len(ids))
	for _, id := range ids {
		chat, err := h.directory.Chat(c.Request.Context(), id)
		if err != nil {
			fail(c, err)
			return
		}
		out = append(out, chat)
	}
	c.JSON(http.StatusOK, gin.H{"chats": out})
}

func (h *handlers) getChat(c *gin.Context) {
	chat, ok := h.requireChat(c, domain.ChatID(c.Param("id")))
	if !ok {
		return
	}
	c.JSON(http.StatusOK, chat)
}

func (h *handlers) issueToken(c *gin.Context) {
	var req core.TokenRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "missing chatId or sessionId"})
		return
	}
	req.ParticipantID = memberOf(c)
	tok, err := h.tokens.IssueToken(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, tok)
}

func (h *handlers) listHistory(c *gin.Context) {
	chat := domain.ChatID(c.Query("chat"))
	if _, ok := h.requireChat(c, chat); !ok {
		return
	}
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	recs, err := h.history.List(c.Request.Context(), chat, limit)
	if err != nil {
		fail(c, err)
		return
	}
	if recs == nil {
		recs = []domain.CallRecord{}
	}
	c.JSON(http.StatusOK, gin.H{"calls": recs})
}

func (h *handlers) saveHistory(c *gin.Context) {
	var rec domain.CallRecord
	if err := c.ShouldBindJSON(&rec); err != nil || rec.SessionID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid call record"})
		return
	}
	if !rec.State.IsTerminal() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "session not terminal"})
		return
	}
	chat, ok := h.requireChat(c, rec.ChatID)
	if !ok {
		return
	}
	for _, p := range rec.Participants {
		if !chat.Has(p) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "participant outside chat"})
			return
		}
	}
	if !chat.Has(rec.InitiatorID) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown initiator"})
		return
	}
	if err := h.sink.Save(c.Request.Context(), rec); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}
