// Package whatsapp adapts the WhatsApp Cloud API to the relay: it decodes
// webhook deliveries into inbound messages and sends text and reply-button
// messages back to users.
package whatsapp
