package transcript

import "github.com/MrWong99/parley/pkg/provider/llm"

// charsPerToken is the heuristic ratio used for token estimation. English
// text averages roughly 4 characters per token across common tokenizers.
const charsPerToken = 4

// tokensOf returns a rough token count for msgs.
func tokensOf(msgs []llm.Message) int {
	total := 0
	for _, m := range msgs {
		total += estimateTokens(m)
	}
	return total
}

// Window trims msgs to fit within budget estimated tokens. Leading system
// messages are always kept; the oldest remaining turns are dropped first. The
// newest message is kept even when it alone exceeds the budget. A budget of
// zero or less disables trimming.
func Window(msgs []llm.Message, budget int) []llm.Message {
	if budget <= 0 || tokensOf(msgs) <= budget {
		return msgs
	}

	head := 0
	for head < len(msgs) && msgs[head].Role == llm.RoleSystem {
		head++
	}
	used := tokensOf(msgs[:head])

	start := len(msgs)
	for start > head {
		cost := estimateTokens(msgs[start-1])
		if used+cost > budget && start < len(msgs) {
			break
		}
		used += cost
		start--
	}

	out := make([]llm.Message, 0, head+len(msgs)-start)
	out = append(out, msgs[:head]...)
	return append(out, msgs[start:]...)
}

func estimateTokens(m llm.Message) int {
	chars := len(m.Content) + len(m.Role)
	tokens := chars / charsPerToken
	if tokens == 0 && chars > 0 {
		tokens = 1
	}
	return tokens
}
