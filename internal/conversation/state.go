// Package conversation holds the ordered message log of one advisory chat.
package conversation

import "sync"

type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one turn of the conversation, encoded as the chat endpoint
// expects it.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`
}

// DefaultPreamble seeds every conversation.
const DefaultPreamble = `你是一位专业、耐心的个人理财顾问。
你会根据用户提供的收支记录给出具体、可执行的建议：
- 回答简洁，重点突出，必要时使用列表
- 分析时引用用户的实际数据
- 不推荐具体的股票或高风险投资产品
- 数据不足时，先引导用户补充记录`

// State is an ordered message log whose first entry is always the system
// preamble.
type State struct {
	mu       sync.RWMutex
	preamble string
	messages []Message
}

func NewState(preamble string) *State {
	if preamble == "" {
		preamble = DefaultPreamble
	}
	s := &State{preamble: preamble}
	s.messages = []Message{{Role: RoleSystem, Content: preamble}}
	return s
}

func (s *State) Append(role Role, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = append(s.messages, Message{Role: role, Content: content})
}

// Reset drops every turn and keeps only the preamble.
func (s *State) Reset() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.messages = []Message{{Role: RoleSystem, Content: s.preamble}}
}

// Messages returns a copy of the full log.
func (s *State) Messages() []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Message, len(s.messages))
	copy(out, s.messages)
	return out
}

// Window returns the preamble followed by at most the last maxTurns
// non-system messages. maxTurns <= 0 returns the full log.
func (s *State) Window(maxTurns int) []Message {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if maxTurns <= 0 || len(s.messages)-1 <= maxTurns {
		out := make([]Message, len(s.messages))
		copy(out, s.messages)
		return out
	}
	out := make([]Message, 0, maxTurns+1)
	out = append(out, s.messages[0])
	out = append(out, s.messages[len(s.messages)-maxTurns:]...)
	return out
}

func (s *State) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.messages)
}

func (s *State) Preamble() string {
	return s.preamble
}
