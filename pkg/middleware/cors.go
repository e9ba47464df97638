package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	// corsAllowMethods はプリフライトで許可するメソッド。すべての標準メソッドを許可する。
	corsAllowMethods = "DELETE, GET, HEAD, OPTIONS, PATCH, POST, PUT"
	// corsMaxAge はプリフライト結果をブラウザがキャッシュする秒数。
	corsMaxAge = "600"
)

// CORS は指定されたオリジンからのクロスオリジンリクエストを許可するGinミドルウェアを返す。
//
// フロントエンドはCookie付きでアクセスするため、資格情報の送信を許可する。
// プリフライトではすべてのメソッドと、ブラウザが要求したヘッダーをそのまま許可する。
// 許可リストに "*" を含めると任意のオリジンを受け付け、Originをそのまま返す。
func CORS(allowedOrigins []string) gin.HandlerFunc {
	allowAny := false
	originsSet := make(map[string]struct{}, len(allowedOrigins))
	for _, o := range allowedOrigins {
		if o == "*" {
			allowAny = true
			continue
		}
		originsSet[o] = struct{}{}
	}
	allowed := func(origin string) bool {
		if allowAny {
			return true
		}
		_, ok := originsSet[origin]
		return ok
	}

	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin == "" {
			c.Next()
			return
		}
		c.Header("Vary", "Origin")

		if isPreflight(c.Request) {
			if !allowed(origin) {
				c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "許可されていないオリジンです"})
				return
			}
			setAllowOrigin(c, origin)
			c.Header("Access-Control-Allow-Methods", corsAllowMethods)
			if requested := strings.TrimSpace(c.GetHeader("Access-Control-Request-Headers")); requested != "" {
				c.Header("Access-Control-Allow-Headers", requested)
			}
			c.Header("Access-Control-Max-Age", corsMaxAge)
			c.AbortWithStatus(http.StatusNoContent)
			return
		}

		if allowed(origin) {
			setAllowOrigin(c, origin)
		}
		c.Next()
	}
}

// isPreflight はCORSのプリフライトリクエストかどうかを返す。
func isPreflight(r *http.Request) bool {
	return r.Method == http.MethodOptions && r.Header.Get("Access-Control-Request-Method") != ""
}

func setAllowOrigin(c *gin.Context, origin string) {
	c.Header("Access-Control-Allow-Origin", origin)
	c.Header("Access-Control-Allow-Credentials", "true")
}
