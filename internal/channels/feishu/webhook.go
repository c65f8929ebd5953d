package feishu

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
)

// messageEvent is the im.message.receive_v1 callback shape.
type messageEvent struct {
	Header struct {
		EventType string `json:"event_type"`
		Token     string `json:"token"`
	} `json:"header"`
	Event struct {
		Sender struct {
			SenderID struct {
				OpenID string `json:"open_id"`
			} `json:"sender_id"`
		} `json:"sender"`
		Message struct {
			MessageID   string    `json:"message_id"`
			ChatID      string    `json:"chat_id"`
			ChatType    string    `json:"chat_type"` // "p2p" or "group"
			MessageType string    `json:"message_type"`
			Content     string    `json:"content"`
			Mentions    []mention `json:"mentions"`
		} `json:"message"`
	} `json:"event"`
}

type mention struct {
	Key string `json:"key"`
	ID  struct {
		OpenID string `json:"open_id"`
	} `json:"id"`
}

// webhookHandler serves the event subscription endpoint: URL
// verification challenges, encrypted envelopes, and message events.
func (c *Channel) webhookHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
		if err != nil {
			http.Error(w, "read error", http.StatusBadRequest)
			return
		}

		// Encrypted payloads wrap the real event in {"encrypt": "..."}.
		var envelope struct {
			Encrypt string `json:"encrypt"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil && envelope.Encrypt != "" {
			if c.config.EncryptKey == "" {
				slog.Warn("feishu sent encrypted event but no encrypt_key configured")
				http.Error(w, "encryption not configured", http.StatusBadRequest)
				return
			}
			decrypted, err := decryptEvent(envelope.Encrypt, c.config.EncryptKey)
			if err != nil {
				slog.Warn("feishu event decryption failed", "error", err)
				http.Error(w, "bad payload", http.StatusBadRequest)
				return
			}
			body = decrypted
		}

		// URL verification handshake.
		var challenge struct {
			Type      string `json:"type"`
			Challenge string `json:"challenge"`
			Token     string `json:"token"`
		}
		if err := json.Unmarshal(body, &challenge); err == nil && challenge.Type == "url_verification" {
			if !c.verifyToken(challenge.Token) {
				http.Error(w, "bad token", http.StatusUnauthorized)
				return
			}
			w.Header().Set("Content-Type", "application/json")
			_ = json.NewEncoder(w).Encode(map[string]string{"challenge": challenge.Challenge})
			return
		}

		var ev messageEvent
		if err := json.Unmarshal(body, &ev); err != nil {
			http.Error(w, "bad event", http.StatusBadRequest)
			return
		}
		if !c.verifyToken(ev.Header.Token) {
			http.Error(w, "bad token", http.StatusUnauthorized)
			return
		}

		// Ack before processing; Feishu retries slow responses.
		w.WriteHeader(http.StatusOK)

		if ev.Header.EventType == "im.message.receive_v1" {
			go c.handleMessageEvent(&ev)
		}
	}
}

func (c *Channel) verifyToken(token string) bool {
	return c.config.VerificationToken == "" || token == c.config.VerificationToken
}

// decryptEvent opens a Feishu encrypted envelope: AES-256-CBC with a
// key of sha256(encrypt_key) and the IV in the first block.
func decryptEvent(encoded, encryptKey string) ([]byte, error) {
	data, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decode: %w", err)
	}
	if len(data) < aes.BlockSize || len(data)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("ciphertext length %d invalid", len(data))
	}

	key := sha256.Sum256([]byte(encryptKey))
	block, err := aes.NewCipher(key[:])
	if err != nil {
		return nil, err
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, ciphertext)

	// Strip PKCS#7 padding.
	pad := int(plain[len(plain)-1])
	if pad < 1 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("bad padding")
	}
	return plain[:len(plain)-pad], nil
}
