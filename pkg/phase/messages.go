package phase

// Messages is the caller-facing dialogue. Any field left blank falls back to
// DefaultMessages.
type Messages struct {
	Greeting          string `mapstructure:"greeting"`
	AskAction         string `mapstructure:"ask_action"`
	AskEnrollConsent  string `mapstructure:"ask_enroll_consent"`
	Clarify           string `mapstructure:"clarify"`
	EnrollPassphrase  string `mapstructure:"enroll_passphrase"`
	VerifyPassphrase  string `mapstructure:"verify_passphrase"`
	RepeatPassphrase  string `mapstructure:"repeat_passphrase"`
	EnrollDeclined    string `mapstructure:"enroll_declined"`
	EnrollSucceeded   string `mapstructure:"enroll_succeeded"`
	EnrollHangup      string `mapstructure:"enroll_hangup"`
	EnrollFailed      string `mapstructure:"enroll_failed"`
	VerifySucceeded   string `mapstructure:"verify_succeeded"`
	VerifyRejected    string `mapstructure:"verify_rejected"`
	ConfirmDeletion   string `mapstructure:"confirm_deletion"`
	DeletionDeclined  string `mapstructure:"deletion_declined"`
	DeletionSucceeded string `mapstructure:"deletion_succeeded"`
	DeletionFailed    string `mapstructure:"deletion_failed"`
	NotImplemented    string `mapstructure:"not_implemented"`
}

func DefaultMessages() Messages {
	return Messages{
		Greeting:          "Hi, welcome to the verifier bot",
		AskAction:         "What would you like to do?",
		AskEnrollConsent:  "You are currently not enrolled. Do you consent to enroll?",
		Clarify:           "Sorry, I didn't understand you. Please say yes or no.",
		EnrollPassphrase:  "Please say your passphrase",
		VerifyPassphrase:  "For verification, please say your passphrase",
		RepeatPassphrase:  "One more time, please say your passphrase",
		EnrollDeclined:    "You chose not to pass an enrollment. I will hang up now, goodbye",
		EnrollSucceeded:   "You have been enrolled successfully",
		EnrollHangup:      "I will hang up now. For a verification process please make another call.",
		EnrollFailed:      "There was some problem with the enrollment, please try again in another call. Goodbye",
		VerifySucceeded:   "You have been verified successfully. Thanks and goodbye",
		VerifyRejected:    "Sorry, you are not who you say you are, Goodbye",
		ConfirmDeletion:   "Would you like to delete yourself?",
		DeletionDeclined:  "You chose not to delete yourself, Goodbye",
		DeletionSucceeded: "You have been deleted. For more actions please make another call, goodbye",
		DeletionFailed:    "You have not been deleted for some error, Goodbye",
		NotImplemented:    "else not implemented yet",
	}
}

func (m Messages) withDefaults() Messages {
	d := DefaultMessages()
	fill := func(v *string, def string) {
		if *v == "" {
			*v = def
		}
	}
	fill(&m.Greeting, d.Greeting)
	fill(&m.AskAction, d.AskAction)
	fill(&m.AskEnrollConsent, d.AskEnrollConsent)
	fill(&m.Clarify, d.Clarify)
	fill(&m.EnrollPassphrase, d.EnrollPassphrase)
	fill(&m.VerifyPassphrase, d.VerifyPassphrase)
	fill(&m.RepeatPassphrase, d.RepeatPassphrase)
	fill(&m.EnrollDeclined, d.EnrollDeclined)
	fill(&m.EnrollSucceeded, d.EnrollSucceeded)
	fill(&m.EnrollHangup, d.EnrollHangup)
	fill(&m.EnrollFailed, d.EnrollFailed)
	fill(&m.VerifySucceeded, d.VerifySucceeded)
	fill(&m.VerifyRejected, d.VerifyRejected)
	fill(&m.ConfirmDeletion, d.ConfirmDeletion)
	fill(&m.DeletionDeclined, d.DeletionDeclined)
	fill(&m.DeletionSucceeded, d.DeletionSucceeded)
	fill(&m.DeletionFailed, d.DeletionFailed)
	fill(&m.NotImplemented, d.NotImplemented)
	return m
}
