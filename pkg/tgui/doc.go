// Package tgui holds Telegram UI helpers for HTML parse mode:
// escaping, inline keyboards and callback data.
package tgui
