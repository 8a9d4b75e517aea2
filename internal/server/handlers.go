// Package server exposes the HTTP surface of the relay: the WebSocket
// upgrade and handshake on /ws, the development token endpoint, a health
// check, and the built-in test page.
package server

import (
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/gorilla/websocket"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// WebSocketHandler upgrades the connection and performs the trollbox
// handshake. The credential token is taken from the request query; any
// decode or verification failure closes the connection with an error code
// before the session ever reaches the authenticated state. On success the
// session is authenticated, its keepalive timers are armed, the history
// snapshot is queued as the first frame, and the session is registered
// with the hub.
func WebSocketHandler(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed. WebSocket endpoint only accepts GET requests.", http.StatusMethodNotAllowed)
		return
	}

	cfg := currentConfig()

	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	sc, err := authenticateUpgrade(r.URL.RawQuery, NewTokenVerifier(cfg.Secret))
	if err != nil {
		log.Printf("Handshake rejected for %s: %v", r.RemoteAddr, err)
		closeWithCode(conn, handshakeCloseCode(err), "handshake failed")
		return
	}

	client := NewClient(conn, hub, r.RemoteAddr)
	client.Authenticate(sc)

	snapshot, err := json.Marshal(hub.History().SnapshotOldestFirst())
	if err != nil {
		log.Printf("Error serializing history for %s: %v", r.RemoteAddr, err)
		closeWithCode(conn, websocket.CloseInternalServerErr, "history unavailable")
		return
	}
	// The send buffer is empty at this point; the replay is always the
	// first frame the client receives.
	client.send <- snapshot

	// Register the session with the hub; the hub will launch the pump goroutines.
	client.hub.register <- client
}

// authenticateUpgrade runs the handshake pipeline: token extraction,
// envelope decoding, then signature and expiry verification. Decode
// failures short-circuit before any signature work.
func authenticateUpgrade(rawQuery string, verifier *TokenVerifier) (SignedCredentials, error) {
	token, err := TokenFromQuery(rawQuery)
	if err != nil {
		return SignedCredentials{}, err
	}

	sc, err := DecodeToken(token)
	if err != nil {
		return SignedCredentials{}, err
	}

	if err := verifier.Verify(sc, time.Now()); err != nil {
		return SignedCredentials{}, err
	}

	return sc, nil
}

// handshakeCloseCode maps handshake failures to WebSocket close codes:
// unparseable tokens are invalid payloads, failed verification is a policy
// violation.
func handshakeCloseCode(err error) int {
	if errors.Is(err, ErrExpiredCredentials) || errors.Is(err, ErrBadSignature) {
		return websocket.ClosePolicyViolation
	}
	return websocket.CloseInvalidFramePayloadData
}

func closeWithCode(conn *websocket.Conn, code int, reason string) {
	deadline := time.Now().Add(writeWait)
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, deadline); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error writing handshake close: %v", err)
	}
	if err := conn.Close(); err != nil && !isExpectedCloseError(err) {
		log.Printf("Error closing rejected connection: %v", err)
	}
}

// TokenMintHandler issues a signed credential for a synthetic admin
// identity, base64url-encoded without padding, signed with the live
// secret. A development aid only: it hands out admin access to anyone who
// can reach it, so it is served solely when TROLLBOX_ENABLE_TOKEN_ENDPOINT
// is set and responds 404 otherwise.
func TokenMintHandler(w http.ResponseWriter, r *http.Request) {
	cfg := currentConfig()
	if !cfg.EnableTokenEndpoint {
		http.NotFound(w, r)
		return
	}

	verifier := NewTokenVerifier(cfg.Secret)
	token := verifier.MintToken(Credentials{
		Timestamp: uint64(time.Now().Unix()),
		Username:  "Anonymous",
		UID:       0,
		Role:      "admin",
	})

	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Content-Type", "text/plain")
	if _, err := fmt.Fprint(w, token); err != nil {
		log.Printf("Error writing token response: %v", err)
	}
}

// HealthHandler provides a simple health check endpoint that returns server status.
// It responds with a plain text message indicating the relay is running.
func HealthHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain")
	_, _ = fmt.Fprintf(w, "Trollbox relay is running!")
}

// TestPageHandler serves an HTML test page for exercising the trollbox
// protocol: it fetches a token from the development endpoint, connects to
// /ws with it, renders the replay, and posts messages.
func TestPageHandler(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/html")
	html := `<!DOCTYPE html>
<html>
<head>
    <title>Trollbox Test</title>
    <style>
        body { font-family: Arial, sans-serif; margin: 20px; }
        #messages {
            border: 1px solid #ccc;
            height: 300px;
            padding: 10px;
            overflow-y: scroll;
            margin: 10px 0;
            background-color: #f9f9f9;
        }
        .author { font-weight: bold; }
        .error { color: #a00; }
        input[type="text"] { width: 300px; padding: 5px; margin-right: 10px; }
        button { padding: 5px 15px; }
    </style>
</head>
<body>
    <h1>Trollbox Test</h1>
    <div id="status">Disconnected</div>
    <div>
        <input type="text" id="messageInput" placeholder="Type a message..." disabled>
        <button id="sendButton" onclick="sendMessage()" disabled>Send</button>
        <button id="connectButton" onclick="connect()">Connect</button>
    </div>
    <div id="messages"></div>

    <script>
        let ws = null;
        let identity = null;
        const messagesDiv = document.getElementById('messages');
        const messageInput = document.getElementById('messageInput');
        const sendButton = document.getElementById('sendButton');
        const statusDiv = document.getElementById('status');

        function render(msg) {
            const el = document.createElement('div');
            const author = document.createElement('span');
            author.className = 'author';
            author.textContent = msg.author_name + ' [' + msg.author_role + ']: ';
            el.appendChild(author);
            el.appendChild(document.createTextNode(msg.text));
            messagesDiv.appendChild(el);
            messagesDiv.scrollTop = messagesDiv.scrollHeight;
        }

        function renderError(text) {
            const el = document.createElement('div');
            el.className = 'error';
            el.textContent = text;
            messagesDiv.appendChild(el);
        }

        async function connect() {
            const resp = await fetch('/test-make-auth-token');
            if (!resp.ok) {
                renderError('Token endpoint unavailable (enable TROLLBOX_ENABLE_TOKEN_ENDPOINT)');
                return;
            }
            const token = await resp.text();
            identity = JSON.parse(atob(token.replace(/-/g, '+').replace(/_/g, '/'))).credentials;

            const scheme = location.protocol === 'https:' ? 'wss' : 'ws';
            ws = new WebSocket(scheme + '://' + location.host + '/ws?token=' + token);

            ws.onopen = function() {
                statusDiv.textContent = 'Connected as ' + identity.username;
                messageInput.disabled = false;
                sendButton.disabled = false;
            };

            ws.onmessage = function(event) {
                const data = JSON.parse(event.data);
                if (Array.isArray(data)) {
                    data.forEach(render);
                } else if (data.error) {
                    renderError(data.error);
                } else if (data.action === 0) {
                    render(data.message);
                }
            };

            ws.onclose = function() {
                statusDiv.textContent = 'Disconnected';
                messageInput.disabled = true;
                sendButton.disabled = true;
                ws = null;
            };
        }

        function sendMessage() {
            const text = messageInput.value.trim();
            if (!text || !ws || ws.readyState !== WebSocket.OPEN) {
                return;
            }
            ws.send(JSON.stringify({
                action: 0,
                message: {
                    id: '',
                    author_name: identity.username,
                    author_uid: identity.uid,
                    author_role: identity.role,
                    text: text,
                    timestamp: Math.floor(Date.now() / 1000)
                }
            }));
            messageInput.value = '';
        }

        messageInput.addEventListener('keypress', function(e) {
            if (e.key === 'Enter') {
                sendMessage();
            }
        });
    </script>
</body>
</html>`
	if _, err := fmt.Fprint(w, html); err != nil {
		log.Printf("Error writing HTML response: %v", err)
	}
}
