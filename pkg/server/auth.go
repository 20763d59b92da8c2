package server

import (
	"errors"
	"net/http"
	"strings"

	"github.com/elonfeng/theangle/internal/store"
	"github.com/elonfeng/theangle/pkg/auth"
	"github.com/gin-gonic/gin"
)

type credentials struct {
	Email    string `json:"email" form:"email"`
	Password string `json:"password" form:"password"`
}

func (s *Server) handleRegister(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}
	email := auth.NormalizeEmail(req.Email)
	password := strings.TrimSpace(req.Password)
	if email == "" || password == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "email and password are required"})
		return
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "password not accepted"})
		return
	}

	user := &store.User{Email: email, PasswordHash: hash}
	if err := s.store.CreateUser(c.Request.Context(), user); err != nil {
		if errors.Is(err, store.ErrDuplicate) {
			c.JSON(http.StatusConflict, gin.H{"error": "account already exists"})
			return
		}
		s.logger.Error("create user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}

	if !s.startSession(c, user.ID) {
		return
	}
	s.logger.Info("user registered", "user_id", user.ID)
	c.JSON(http.StatusCreated, gin.H{"user": user})
}

func (s *Server) handleLogin(c *gin.Context) {
	var req credentials
	if err := c.ShouldBind(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid request"})
		return
	}

	user, err := s.store.GetUserByEmail(c.Request.Context(), auth.NormalizeEmail(req.Email))
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		s.logger.Error("load user", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "database error"})
		return
	}
	if user == nil || auth.CheckPassword(user.PasswordHash, strings.TrimSpace(req.Password)) != nil {
		c.JSON(http.StatusUnauthorized, gin.H{"error": auth.ErrInvalidCredentials.Error()})
		return
	}

	if !s.startSession(c, user.ID) {
		return
	}
	c.JSON(http.StatusOK, gin.H{"user": user})
}

func (s *Server) handleLogout(c *gin.Context) {
	s.setSessionCookie(c, "", -1)
	c.JSON(http.StatusOK, gin.H{"status": "logged out"})
}

func (s *Server) handleMe(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"user": currentUser(c)})
}

func (s *Server) startSession(c *gin.Context, userID int64) bool {
	token, err := s.sessions.Issue(userID)
	if err != nil {
		s.logger.Error("issue session", "user_id", userID, "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "session error"})
		return false
	}
	s.setSessionCookie(c, token, int(s.sessions.TTL().Seconds()))
	return true
}

func (s *Server) setSessionCookie(c *gin.Context, value string, maxAge int) {
	secure := s.opts.SecureCookies ||
		c.Request.TLS != nil ||
		strings.EqualFold(c.GetHeader("X-Forwarded-Proto"), "https")
	c.SetSameSite(http.SameSiteLaxMode)
	c.SetCookie(auth.CookieName, value, maxAge, "/", "", secure, true)
}
