package mailer

import (
	"bytes"
	"fmt"
	"strings"
	"text/template"
)

// Template names understood by Render.
const (
	TemplateQuestCreated        = "quest_created"
	TemplateQuestAccepted       = "quest_accepted"
	TemplateQuestCompleted      = "quest_completed"
	TemplateQuestCompletedSelf  = "quest_completed_self"
	TemplateQuestReleased       = "quest_released"
	TemplateLevelUp             = "level_up"
	TemplateAchievementUnlocked = "achievement_unlocked"
)

type mailTemplate struct {
	subject *template.Template
	body    *template.Template
}

var sources = map[string][2]string{
	TemplateQuestCreated: {
		`New quest: {{.Title}}`,
		`A new {{.Difficulty}}-rank quest was posted: "{{.Title}}".
Reward: {{.Reward}}
{{with .BaseURL}}
View it at {{.}}/quests/{{$.QuestID}}
{{end}}`,
	},
	TemplateQuestAccepted: {
		`Your quest was accepted: {{.Title}}`,
		`{{.Actor}} accepted your quest "{{.Title}}".`,
	},
	TemplateQuestCompleted: {
		`Your quest was completed: {{.Title}}`,
		`{{.Actor}} completed your quest "{{.Title}}".`,
	},
	TemplateQuestCompletedSelf: {
		`Quest complete: {{.Title}}`,
		`You completed "{{.Title}}" and earned {{.Points}} points.`,
	},
	TemplateQuestReleased: {
		`Your quest is open again: {{.Title}}`,
		`Your quest "{{.Title}}" is available again ({{.Reason}}).`,
	},
	TemplateLevelUp: {
		`You reached level {{.Level}}`,
		`Congratulations, you are now level {{.Level}} ({{.Rank}}).
{{.RewardText}}`,
	},
	TemplateAchievementUnlocked: {
		`Achievement unlocked: {{.Achievement}}`,
		`You unlocked the "{{.Achievement}}" achievement.`,
	},
}

var templates = mustParse()

func mustParse() map[string]mailTemplate {
	out := make(map[string]mailTemplate, len(sources))
	for name, src := range sources {
		out[name] = mailTemplate{
			subject: template.Must(template.New(name + ".subject").Option("missingkey=zero").Parse(src[0])),
			body:    template.Must(template.New(name + ".body").Option("missingkey=zero").Parse(src[1])),
		}
	}
	return out
}

// Render executes the named template and returns the subject and body.
func Render(name string, locals map[string]interface{}) (subject, body string, err error) {
	t, ok := templates[name]
	if !ok {
		return "", "", fmt.Errorf("mailer: unknown template %q", name)
	}
	var sb, bb bytes.Buffer
	if err := t.subject.Execute(&sb, locals); err != nil {
		return "", "", fmt.Errorf("mailer: render %s subject: %w", name, err)
	}
	if err := t.body.Execute(&bb, locals); err != nil {
		return "", "", fmt.Errorf("mailer: render %s body: %w", name, err)
	}
	return strings.TrimSpace(sb.String()), strings.TrimSpace(bb.String()) + "\n", nil
}
