package websocket

// WSLogsMessage carries buffered history, sent once when a subscriber joins.
type WSLogsMessage struct {
	Type string   `json:"type"`
	Data []string `json:"data"`
}

// WSLogLineMessage carries one live log line.
type WSLogLineMessage struct {
	Type      string `json:"type"`
	Data      string `json:"data"`
	Timestamp int64  `json:"timestamp"`
}

type WSErrorMessage struct {
	Type    string `json:"type"`
	Payload string `json:"payload"`
}

func NewLogsMessage(lines []string) WSLogsMessage {
	return WSLogsMessage{
		Type: "logs",
		Data: lines,
	}
}

func NewLogLineMessage(line string, timestampMillis int64) WSLogLineMessage {
	return WSLogLineMessage{
		Type:      "logs",
		Data:      line,
		Timestamp: timestampMillis,
	}
}

func NewErrorMessage(err string) WSErrorMessage {
	return WSErrorMessage{
		Type:    "error",
		Payload: err,
	}
}
