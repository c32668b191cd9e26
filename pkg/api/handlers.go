package api

import (
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/opsloop/operator/pkg/models"
)

func (s *Server) listCampaigns(c *gin.Context) {
	limit := intQuery(c, "limit", 50)
	campaigns, err := s.store.ListCampaigns(c.Request.Context(), limit)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaigns": campaigns})
}

func (s *Server) getCampaign(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ctx := c.Request.Context()
	campaign, err := s.store.GetCampaign(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	trials, err := s.store.ListTrials(ctx, id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"campaign": campaign, "trials": trials})
}

func (s *Server) analyzeCampaign(c *gin.Context) {
	if s.analyzer == nil {
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": "analysis is not configured"})
		return
	}
	id, ok := pathID(c)
	if !ok {
		return
	}
	summary, err := s.analyzer.Analyze(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, summary)
}

func (s *Server) listTickets(c *gin.Context) {
	filter := models.TicketFilter{
		Status: models.TicketStatus(c.Query("status")),
		Limit:  intQuery(c, "limit", 50),
	}
	if filter.Status != "" && !filter.Status.Valid() {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown ticket status " + strconv.Quote(string(filter.Status))})
		return
	}
	tickets, err := s.store.ListTickets(c.Request.Context(), filter)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tickets": tickets})
}

func (s *Server) getTicket(c *gin.Context) {
	id, ok := pathID(c)
	if !ok {
		return
	}
	ticket, err := s.store.GetTicket(c.Request.Context(), id)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, ticket)
}

// getSession replays one session: the session row plus its full audit log
// in seq order.
func (s *Server) getSession(c *gin.Context) {
	sessionID := c.Param("id")
	ctx := c.Request.Context()

	session, err := s.store.GetSession(ctx, sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	entries, err := s.store.GetSessionEntries(ctx, sessionID)
	if err != nil {
		s.respondError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"session": session, "entries": entries})
}

func pathID(c *gin.Context) (int64, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "id must be an integer"})
		return 0, false
	}
	return id, true
}

func intQuery(c *gin.Context, name string, def int) int {
	raw := c.Query(name)
	if raw == "" {
		return def
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return def
	}
	return n
}
