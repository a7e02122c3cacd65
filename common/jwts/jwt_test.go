package jwts

import (
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

func TestIssueAndParseToken(t *testing.T) {
	token, err := IssueUserToken("u1", "secret", time.Minute)
	if err != nil {
		t.Fatalf("签发失败: %v", err)
	}
	userID, err := ParseToken(token, "secret")
	if err != nil {
		t.Fatalf("解析失败: %v", err)
	}
	if userID != "u1" {
		t.Fatalf("期望 u1，得到 %s", userID)
	}
}

func TestParseTokenRejectsWrongSecretAndExpired(t *testing.T) {
	token, _ := IssueUserToken("u1", "secret", time.Minute)
	if _, err := ParseToken(token, "other"); err == nil {
		t.Fatalf("错误的密钥应当解析失败")
	}

	expired, _ := GetToken(&CustomClaims{
		UserID: "u1",
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(-time.Minute)),
		},
	}, "secret")
	if _, err := ParseToken(expired, "secret"); err == nil {
		t.Fatalf("过期 token 应当解析失败")
	}
}
