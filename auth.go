package panelrelay

import (
	"crypto/subtle"
	"net/http"
)

// Authenticator 校验面板通道的握手请求，返回视图 id（可为空，由宿主生成）
type Authenticator interface {
	Authenticate(r *http.Request) (viewID string, err error)
}

// SecretAuth 基于共享 secret 的简单认证
// 从 Header 读取 (X-View-ID, X-Panel-Secret)，若不存在则回退到查询参数 (?view=&secret=)
type SecretAuth struct {
	Secret       string
	ViewHeader   string // 默认 X-View-ID
	SecretHeader string // 默认 X-Panel-Secret
}

// Authenticate 仅校验 secret 是否与预期一致，返回请求携带的视图 id。
// 视图 id 可以为空，此时由宿主生成。
func (a *SecretAuth) Authenticate(r *http.Request) (string, error) {
	if a == nil || a.Secret == "" {
		return "", ErrUnauthorized
	}
	viewHeader := a.ViewHeader
	if viewHeader == "" {
		viewHeader = "X-View-ID"
	}
	secretHeader := a.SecretHeader
	if secretHeader == "" {
		secretHeader = "X-Panel-Secret"
	}

	view := r.Header.Get(viewHeader)
	secret := r.Header.Get(secretHeader)
	if view == "" || secret == "" {
		q := r.URL.Query()
		if view == "" {
			view = q.Get("view")
		}
		if secret == "" {
			secret = q.Get("secret")
		}
	}
	if subtle.ConstantTimeCompare([]byte(secret), []byte(a.Secret)) != 1 {
		return "", ErrUnauthorized
	}
	return view, nil
}
