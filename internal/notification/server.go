package notification

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/gin-gonic/gin"

	"github.com/nao1215/taskflow/pkg/event"
	"github.com/nao1215/taskflow/pkg/middleware"
)

// Server は通知サービスのHTTPサーバー。
// 読み取り側の操作（一覧・既読化・削除）と内部向けの直接送信、ヘルスチェックを提供する。
// ユーザーの認証・認可は前段のゲートウェイが行う。
type Server struct {
	// router はGinのHTTPルーター。
	router *gin.Engine
	// port はサーバーのリッスンポート。
	port string
	// service は読み取り側の窓口。
	service *Service
	// logger は構造化ロガー。
	logger *slog.Logger
}

// NewServer は新しい通知サーバーを生成する。
func NewServer(port string, service *Service, allowedOrigins []string, logger *slog.Logger) *Server {
	router := gin.New()
	router.Use(middleware.Recovery(logger))
	router.Use(gin.Logger())
	router.Use(middleware.CORS(allowedOrigins))

	s := &Server{
		router:  router,
		port:    port,
		service: service,
		logger:  logger,
	}
	s.setupRoutes()

	return s
}

// Handler はhttp.Serverに渡すハンドラーを返す。
func (s *Server) Handler() http.Handler {
	return s.router
}

// Addr はリッスンアドレスを返す。
func (s *Server) Addr() string {
	return fmt.Sprintf(":%s", s.port)
}

// setupRoutes はAPIルーティングを設定する。
func (s *Server) setupRoutes() {
	s.router.GET("/", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"message": "TaskFlow Notification Service", "status": "running"})
	})

	api := s.router.Group("/api/v1")
	{
		notifications := api.Group("/notifications")
		{
			// 通知一覧取得
			notifications.GET("/:user_id", s.handleList())
			// 通知を既読にする
			notifications.POST("/:user_id/mark-read", s.handleMarkRead())
			// 全通知の削除
			notifications.DELETE("/:user_id", s.handleClear())
		}

		// 通知送信（内部API）
		internal := api.Group("/internal")
		{
			internal.POST("/send", s.handleSend())
		}
	}

	// ヘルスチェック
	s.router.GET("/health", s.handleHealth())
}

// handleList はユーザーの通知をページ単位で返すハンドラ。
func (s *Server) handleList() gin.HandlerFunc {
	return func(c *gin.Context) {
		limit, err := queryInt(c, "limit", DefaultPageSize)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		offset, err := queryInt(c, "offset", 0)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}

		page, err := s.service.List(c.Request.Context(), c.Param("user_id"), offset, limit)
		if err != nil {
			s.respondError(c, "通知一覧の取得に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, page)
	}
}

// handleMarkRead は通知IDの配列を受け取り、既読にするハンドラ。
func (s *Server) handleMarkRead() gin.HandlerFunc {
	return func(c *gin.Context) {
		var ids []string
		if err := c.ShouldBindJSON(&ids); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		if err := s.service.MarkRead(c.Request.Context(), c.Param("user_id"), ids); err != nil {
			s.respondError(c, "通知の既読処理に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": fmt.Sprintf("%d件の通知を既読にしました", len(ids))})
	}
}

// handleClear はユーザーの全通知を削除するハンドラ。
func (s *Server) handleClear() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.service.Clear(c.Request.Context(), c.Param("user_id")); err != nil {
			s.respondError(c, "通知の削除に失敗しました", err)
			return
		}

		c.JSON(http.StatusOK, gin.H{"message": "全通知を削除しました"})
	}
}

// sendRequest は通知送信リクエストのJSON構造。
type sendRequest struct {
	// UserID は通知先のユーザーID。数値と文字列のどちらも受け付ける。
	UserID json.RawMessage `json:"user_id" binding:"required"`
	// Title は通知のタイトル。
	Title string `json:"title"`
	// Message は通知メッセージ。
	Message string `json:"message"`
	// Type は通知の重要度（info, success, warning, error）。省略時はinfo。
	Type string `json:"type"`
}

// handleSend は直接通知を作成してユーザーのリストへ追加するハンドラ。
// 内部API（他サービスから呼び出される）。
func (s *Server) handleSend() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req sendRequest
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("リクエストが不正です: %v", err)})
			return
		}

		userID, err := parseUserID(req.UserID)
		if err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		severity, ok := ParseSeverity(req.Type)
		if !ok {
			c.JSON(http.StatusBadRequest, gin.H{"error": fmt.Sprintf("未知の通知タイプです: %s", req.Type)})
			return
		}

		n, err := s.service.Send(c.Request.Context(), userID, req.Title, req.Message, severity)
		if err != nil {
			s.respondError(c, "通知の送信に失敗しました", err)
			return
		}

		c.JSON(http.StatusCreated, n)
	}
}

// handleHealth はブローカーとストアの疎通を返すハンドラ。
func (s *Server) handleHealth() gin.HandlerFunc {
	return func(c *gin.Context) {
		h := s.service.Health(c.Request.Context())

		body := gin.H{
			"status": "healthy",
			"broker": connectionStatus(h.Broker),
			"store":  connectionStatus(h.Store),
		}
		if !h.Healthy() {
			body["status"] = "unhealthy"
			if h.StoreErr != nil {
				body["error"] = h.StoreErr.Error()
			}
			c.JSON(http.StatusServiceUnavailable, body)
			return
		}
		c.JSON(http.StatusOK, body)
	}
}

// respondError はエラーの種類に応じたステータスコードでレスポンスを返す。
func (s *Server) respondError(c *gin.Context, message string, err error) {
	switch {
	case errors.Is(err, ErrInvalidArgument):
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
	case isContextError(err):
		// クライアントが切断したかタイムアウトした。
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
	case errors.Is(err, ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": message})
		s.logError(c, message, err)
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": message})
		s.logError(c, message, err)
	}
}

func (s *Server) logError(c *gin.Context, message string, err error) {
	s.logger.Error(message,
		"event", "http_request_failed",
		"module", "internal/notification",
		"layer", "http",
		"method", c.Request.Method,
		"path", c.FullPath(),
		"error", err.Error(),
	)
}

func connectionStatus(ok bool) string {
	if ok {
		return "connected"
	}
	return "disconnected"
}

// queryInt はクエリパラメータを整数として読む。未指定の場合はdefを返す。
func queryInt(c *gin.Context, key string, def int) (int, error) {
	raw, ok := c.GetQuery(key)
	if !ok || raw == "" {
		return def, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%sは整数である必要があります", key)
	}
	return v, nil
}

// parseUserID はJSONの数値または文字列をユーザーIDとして読む。
// キューから届くイベントと同じ規則で正規化する。
func parseUserID(raw json.RawMessage) (string, error) {
	var v any
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil {
		return "", fmt.Errorf("user_idが不正です: %w", err)
	}
	id, ok := event.NormalizeUserID(v)
	if !ok {
		return "", errors.New("user_idは正の整数または空でない文字列である必要があります")
	}
	return id, nil
}
