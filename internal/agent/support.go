package agent

// Resource is one external support service.
type Resource struct {
	Name    string `json:"name"`
	Contact string `json:"contact,omitempty"`
	URL     string `json:"url"`
}

// SupportInfo is shown on the crisis intervention surface.
type SupportInfo struct {
	Message   string     `json:"message"`
	Resources []Resource `json:"resources"`
}

const crisisMessage = "It sounds like you might be going through something really hard. " +
	"This practice chat isn't the right place for that, but you don't have to handle it alone. " +
	"Please reach out to one of these people who can help right now."

const falsePositiveMessage = "Thanks for letting us know. We've started a fresh conversation for you."

const restartMessage = "We've started a fresh conversation for you."

// CrisisSupport returns the hotline and resource information.
func CrisisSupport() *SupportInfo {
	return &SupportInfo{
		Message: crisisMessage,
		Resources: []Resource{
			{Name: "988 Suicide & Crisis Lifeline (US)", Contact: "Call or text 988", URL: "https://988lifeline.org"},
			{Name: "Crisis Text Line", Contact: "Text HOME to 741741", URL: "https://www.crisistextline.org"},
			{Name: "International helplines", URL: "https://findahelpline.com"},
		},
	}
}
