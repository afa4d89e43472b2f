package middleware

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	log "github.com/sirupsen/logrus"
	"golang.org/x/crypto/bcrypt"
)

// AdminKeyMiddleware 管理密钥校验。未配置密钥时放行（本地部署常态）。
// 启动时只保留 bcrypt 散列，进程内不留明文。
func AdminKeyMiddleware(adminKey string) gin.HandlerFunc {
	if adminKey == "" {
		return func(c *gin.Context) { c.Next() }
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(adminKey), bcrypt.DefaultCost)
	if err != nil {
		log.Warnf("middleware: failed to hash admin key: %v", err)
		return func(c *gin.Context) {
			c.JSON(http.StatusInternalServerError, gin.H{"error": "管理密钥初始化失败"})
			c.Abort()
		}
	}

	return func(c *gin.Context) {
		key := c.GetHeader("X-Api-Key")
		if key == "" {
			authHeader := c.GetHeader("Authorization")
			parts := strings.SplitN(authHeader, " ", 2)
			if len(parts) == 2 && strings.ToLower(parts[0]) == "bearer" {
				key = parts[1]
			}
		}
		if key == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "缺少管理密钥"})
			c.Abort()
			return
		}
		if bcrypt.CompareHashAndPassword(hash, []byte(key)) != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "管理密钥错误"})
			c.Abort()
			return
		}
		c.Next()
	}
}
