// Package telegram executes scheduled tasks against the Telegram Bot API.
//
// The bot runs without long polling: this process only sends, copies and
// deletes messages. Every API call goes through one rate limiter.
package telegram
