package config

// DefaultAPIBaseURL is the default session directory endpoint.
const DefaultAPIBaseURL = "http://127.0.0.1:8000/v1"

// DefaultSocketURL is the default streaming chat socket endpoint.
// The session id is appended as the final path segment at dial time.
const DefaultSocketURL = "ws://127.0.0.1:8000/ws/chat"

// DefaultLanguage is the default reply language.
const DefaultLanguage = "en"

// DefaultGreeting is shown in a brand-new session before any history exists.
const DefaultGreeting = "Hello! Ask me anything about your document."

// DefaultHistoryPageSize is the number of messages per history page.
const DefaultHistoryPageSize = 50

// DefaultReconnectDelayMs is the fixed delay between reconnect attempts.
const DefaultReconnectDelayMs = 2000

// DefaultReconnectMaxAttempts caps reconnect attempts before the client
// degrades to simulated replies.
const DefaultReconnectMaxAttempts = 3

// DefaultSimulatedDelayMs is the delay before a simulated reply appears.
const DefaultSimulatedDelayMs = 1200

// DefaultSendRatePerSec limits outbound message writes per second.
const DefaultSendRatePerSec = 5

// DefaultSendBurst is the burst size for the outbound rate limiter.
const DefaultSendBurst = 5
