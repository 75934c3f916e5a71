package handler

import (
	"sync"

	"github.com/alanyoungcy/marketdesk/internal/domain"
)

// Paths are the client routes a view may send the user to.
type Paths struct {
	List   string
	SignIn string
}

// requestUI stands in for the browser while a view runs inside one HTTP
// request. It records the notices and the navigation so the handler can
// turn them into the response.
type requestUI struct {
	paths Paths

	mu       sync.Mutex
	notices  []domain.Notice
	redirect string
}

func newRequestUI(paths Paths) *requestUI {
	return &requestUI{paths: paths}
}

func (u *requestUI) ToList() {
	u.mu.Lock()
	u.redirect = u.paths.List
	u.mu.Unlock()
}

func (u *requestUI) ToSignIn() {
	u.mu.Lock()
	u.redirect = u.paths.SignIn
	u.mu.Unlock()
}

func (u *requestUI) Notify(n domain.Notice) {
	u.mu.Lock()
	u.notices = append(u.notices, n)
	u.mu.Unlock()
}

// outcome returns the last notice message and the redirect target.
func (u *requestUI) outcome() (message, redirect string) {
	u.mu.Lock()
	defer u.mu.Unlock()
	if n := len(u.notices); n > 0 {
		message = u.notices[n-1].Message
	}
	return message, u.redirect
}

// viewResponse is the JSON body of responses produced by a view run.
type viewResponse struct {
	Error    string              `json:"error,omitempty"`
	Message  string              `json:"message,omitempty"`
	Redirect string              `json:"redirect,omitempty"`
	Trade    *domain.TradeRecord `json:"trade,omitempty"`
}
