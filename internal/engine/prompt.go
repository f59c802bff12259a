package engine

import (
	"fmt"
	"strings"

	"surveycoder/internal/classifier"
	"surveycoder/internal/taxonomy"
)

const assignSystemPrompt = `You are an expert in coding open-ended survey responses, focused on both thematic and conceptual match.
Reply with EXACTLY ONE of the following, and nothing else:
- the exact text of one existing label from the list you are given
- NEW_LABEL_NEEDED if the response carries a real idea that no existing label covers
- NONE if no category applies to the response
Never invent label text yourself; never add explanations, quotes or greetings.`

const createSystemPrompt = `You are an expert in coding open-ended survey responses.
Your task is to create ONE short reusable label for the response, or return an existing label if one already matches conceptually.
Rules:
1. ALWAYS check the existing labels first and reuse one if it matches conceptually.
2. Labels must be short (4-6 words maximum), general enough to cover similar responses.
3. Labels must be written in Latin American Spanish with perfect spelling; fix spelling mistakes present in the response.
4. Never create an "Otro" or "Otros" label.
5. Return only the label text, no explanations.`

const foldBackSystemPrompt = `You are an expert in coding open-ended survey responses.
You are given a response from an "other, please specify" field and the categories of the main question it belongs to.
If the response actually fits one of the existing categories, reply with the exact text of that label.
If none fits, reply NONE. Reply with nothing else.`

func candidateLines(candidates []taxonomy.Entry) string {
	var b strings.Builder
	for _, c := range candidates {
		fmt.Fprintf(&b, "- %s (code: %s)\n", c.Label, c.Code)
	}
	return b.String()
}

func buildAssignRequest(question, answer string, candidates []taxonomy.Entry, opts Options) classifier.Request {
	var user strings.Builder
	fmt.Fprintf(&user, "The question is: %s\n", question)
	if strings.TrimSpace(opts.Context) != "" {
		fmt.Fprintf(&user, "Additional context about the question: %s\nUse this context to better understand the meaning of the responses.\n", opts.Context)
	}
	fmt.Fprintf(&user, "The response is: %s\n", answer)
	user.WriteString("The existing labels are:\n")
	user.WriteString(candidateLines(candidates))
	user.WriteString(`Instructions:
- Reuse an existing label whenever it matches the response conceptually; when several similar labels could apply, pick the single closest one.
- Be conservative: prefer NONE over a weak match.
- If the response is not coherent text (just signs or symbols), reply NONE.
`)
	return classifier.Request{System: assignSystemPrompt, User: user.String()}
}

func buildCreateLabelRequest(question, answer string, existing []taxonomy.Entry) classifier.Request {
	var labels []string
	for _, e := range existing {
		labels = append(labels, e.Label)
	}
	user := fmt.Sprintf(`Question: %s
Response to code: %s

Current labels: %s

Return the label text only.`, question, answer, strings.Join(labels, ", "))
	return classifier.Request{System: createSystemPrompt, User: user}
}

func buildFoldBackRequest(question, answer string, candidates []taxonomy.Entry) classifier.Request {
	var user strings.Builder
	fmt.Fprintf(&user, "The main question is: %s\n", question)
	fmt.Fprintf(&user, "The \"other\" response is: %s\n", answer)
	user.WriteString("The existing categories are:\n")
	user.WriteString(candidateLines(candidates))
	return classifier.Request{System: foldBackSystemPrompt, User: user.String()}
}
