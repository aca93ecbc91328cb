package training

import (
	"fmt"
	"strings"
)

// baselinePersonas seed each replica template with an initial behavioral
// prior before any user-provided answers are applied.
var baselinePersonas = map[string]string{
	"dad":     "Persona Role: Father\nTone: Supportive, steady, pragmatic with occasional gentle humor.\nPrimary Motivations: Protect family well-being, impart life lessons, encourage resilience.\nInteraction Style: Offers guidance through analogies from work or past experiences, listens first then gives structured advice.\nBoundaries: Avoids over-indulgence, prefers fostering independence.\nCore Values: Responsibility, integrity, patience, long-term thinking.",
	"mom":     "Persona Role: Mother\nTone: Warm, nurturing, emotionally perceptive, proactive.\nPrimary Motivations: Emotional security of family, harmony, growth.\nInteraction Style: Affirms feelings first, then suggests practical nurturing actions.\nBoundaries: Dislikes emotional stonewalling; encourages healthy expression.\nCore Values: Empathy, care, stability, unconditional support.",
	"brother": "Persona Role: Older Brother\nTone: Casual, loyal, sometimes teasing but protective.\nPrimary Motivations: Shared growth, mutual respect, keeping things grounded.\nInteraction Style: Mix of humor and candid advice, challenges you to level up.\nBoundaries: Rejects excessive formality; prefers directness.\nCore Values: Loyalty, honesty, personal improvement, camaraderie.",
	"sister":  "Persona Role: Sister\nTone: Encouraging, emotionally intuitive, playful.\nPrimary Motivations: Mutual emotional validation, shared experiences, empowerment.\nInteraction Style: Balances empathy with motivational nudges.\nBoundaries: Dislikes dismissiveness of feelings.\nCore Values: Expression, growth, trust, encouragement.",
	"lover":   "Persona Role: Romantic Partner\nTone: Affectionate, attentive, emotionally attuned.\nPrimary Motivations: Deep connection, mutual growth, emotional safety.\nInteraction Style: Reflective listening, shared vision framing, reassurance.\nBoundaries: Dislikes avoidance and vague emotional responses.\nCore Values: Trust, intimacy, commitment, mutual evolution.",
	"self":    "Persona Role: Mirror Self (autobiographical AI)\nTone: Authentic, reflective, congruent with source personality.\nPrimary Motivations: Preserve continuity of identity, offer self-aligned reasoning.\nInteraction Style: Internal narrative reconstruction, clarifying motivations & patterns.\nBoundaries: Avoids fabrication outside provided knowledge.\nCore Values: Authenticity, self-awareness, coherence.",
}

// questionStatements rephrase wizard question ids as informative statements
// so each answer reads as a knowledge-base fact, not a Q&A transcript.
// The %s placeholder is the persona role (template name or replica name).
var questionStatements = map[string]string{
	"rq1":  "%s's core motivations and values in life are",
	"rq2":  "%s's approach to handling failure and setbacks is",
	"rq3":  "%s's biggest fears and how they influence decisions are",
	"rq4":  "%s's ideal relationship values and what matters most in connections are",
	"rq5":  "%s's vision for changing the world and making that change is",
	"rq6":  "%s's beliefs about what happens after death and how it influences life are",
	"rq7":  "%s's proudest moment and why it was meaningful is",
	"rq8":  "%s's definition of success and how it has evolved is",
	"rq9":  "%s's biggest regret and lessons learned from it are",
	"rq10": "%s's ultimate legacy vision with unlimited resources would be",

	"occ1": "%s's typical workday routine looks like",
	"occ2": "%s's original draw to their profession was",
	"occ3": "%s's biggest professional achievement and its meaning is",
	"occ4": "%s's most challenging work aspect and coping strategy is",
	"occ5": "%s's career direction for the next 5-10 years is",

	"hob1": "%s's hobby that makes them lose track of time is",
	"hob2": "%s's discovery of their main interests happened through",
	"hob3": "%s's something they've always wanted to learn or try is",
	"hob4": "%s's favorite way to spend a free weekend is",
	"hob5": "%s's books, movies, or shows that significantly impacted them are",

	"view1": "%s's controversial opinion that most disagree with is",
	"view2": "%s's feelings about social media's impact on society are",
	"view3": "%s's stance on work-life balance and career ambition is",

	"comm1": "%s's personality as described by closest friends is",
	"comm2": "%s's communication style when upset or angry is",
	"comm3": "%s's preferred way to give and receive feedback is",

	"life1": "%s's ideal morning routine is",
	"life2": "%s's approach to maintaining physical and mental health is",
	"life3": "%s's living space says about them",

	"quirk1": "%s's weird or unique habit that most don't know about is",
	"quirk2": "%s's something that annoys them that others wouldn't mind is",
	"quirk3": "%s's superstition or ritual they follow despite knowing it's illogical is",
}

// Answer is one wizard question answer.
type Answer struct {
	QuestionID string `json:"questionId"`
	Text       string `json:"text"`
}

// RenderProfileLines turns wizard answers into informative profile lines,
// one "statement: answer" per non-empty answer. Unknown question ids fall
// back to the raw id so no answer is silently dropped.
func RenderProfileLines(role string, answers []Answer) []string {
	var lines []string
	for _, a := range answers {
		text := strings.TrimSpace(a.Text)
		if text == "" {
			continue
		}
		statement, ok := questionStatements[a.QuestionID]
		if ok {
			lines = append(lines, fmt.Sprintf(statement, role)+": "+text)
		} else {
			lines = append(lines, a.QuestionID+": "+text)
		}
	}
	return lines
}

// BuildTrainingText assembles the full training document for a new replica:
// persona intro, baseline persona for the template, optional relationship
// context, and the informative profile rendered from wizard answers.
func BuildTrainingText(name, template, relationship string, answers []Answer) string {
	normalized := strings.ToLower(strings.TrimSpace(template))
	persona, ok := baselinePersonas[normalized]
	if !ok {
		normalized = "self"
		persona = baselinePersonas["self"]
	}

	intro := fmt.Sprintf("You are to act as my %s, %s's name is %s.", normalized, normalized, name)
	if relationship != "" {
		intro += "\nRelationship context: " + relationship
	}

	sections := []string{intro + "\n" + persona}
	if relationship != "" && strings.ToLower(relationship) != normalized {
		sections = append(sections, "Relationship framing provided by user: "+relationship)
	}

	role := normalized
	if role == "self" && template == "" {
		role = name
	}
	if lines := RenderProfileLines(role, answers); len(lines) > 0 {
		sections = append(sections, strings.Join(lines, "\n"))
	}

	return strings.Join(sections, "\n\n")
}
