// Package channel binds one relay websocket to one session.
//
// Inbound update events are classified by their "t" discriminator:
// new-message bodies are decrypted with the session material, validated
// against the user message schema and placed on a per-channel Queue;
// update-session bodies go to the metadata observer; message-ack bodies
// clear the outbound outbox; anything else goes to the unknown-event
// observer. A bad event is reported as *MalformedMessageError and never
// stops the read loop.
//
// The Queue has at most one waiting consumer. A message that arrives while
// the consumer waits is handed over directly and never buffered.
package channel
