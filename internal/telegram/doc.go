// Package telegram connects the relay to the operators' Telegram forum
// group. Each end user gets a forum topic; the Poller turns what operators
// post there into relay operator messages, and Client delivers the relay's
// mirrors, notices and alerts back into the topics.
package telegram
