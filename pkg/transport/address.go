// Copyright 2024-2026 Aiku AI

package transport

import "strings"

// BareAddress strips the server part and any device suffix from a
// user@server style address, so "5511999999999:12@s.whatsapp.net" and
// "5511999999999" compare equal. Addresses that start with "@" (Matrix user
// IDs) and addresses without a server part are returned unchanged apart from
// trimming.
func BareAddress(addr string) string {
	addr = strings.TrimSpace(addr)
	if addr == "" || strings.HasPrefix(addr, "@") {
		return addr
	}
	at := strings.IndexByte(addr, '@')
	if at < 0 {
		return addr
	}
	user := addr[:at]
	if colon := strings.IndexByte(user, ':'); colon >= 0 {
		user = user[:colon]
	}
	return user
}

// Emit delivers evt on ch unless done is closed first. Sessions use it so a
// reader that went away never blocks the producing goroutine.
func Emit(ch chan<- Event, done <-chan struct{}, evt Event) bool {
	select {
	case ch <- evt:
		return true
	case <-done:
		return false
	}
}
