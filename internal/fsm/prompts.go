package fsm

import (
	"fmt"
	"strings"
	"time"

	"github.com/shiftline/shiftline/internal/catalog"
)

// Prompt texts. Kept in one place so wording changes do not touch handler
// logic. Dynamic prompts are built by the functions below.
const (
	promptDisclaimer = "This call may be recorded for quality and training purposes."
	promptEnterPIN   = "Please enter your PIN followed by the pound key."
	promptInvalidPIN = "That PIN was not recognized. Please enter your PIN followed by the pound key."
	promptApology    = "We're sorry, we were unable to verify your identity. Please contact your provider directly. Goodbye."
	promptPleaseWait = "Please wait a moment."
	promptSystemBusy = "We're having trouble reaching your account right now."
	promptFatal      = "We're sorry, something went wrong on our end. Please call back shortly. Goodbye."
	promptHold       = "Please hold while we connect you to a representative."
	promptGoodbye    = "Thank you for calling. Goodbye."
	promptInvalid    = "Sorry, that wasn't a valid choice."
	promptNoShifts   = "You have no upcoming shifts. Press 1 to speak to a representative, or hang up."
	promptReason     = "Please briefly state the reason you are releasing this shift after the tone."
	promptReleased   = "Your shift has been released and we are notifying available staff."
	promptComplete   = "Press 1 to return to your shift list, or hang up if you're done."
	promptQueueDown  = "We couldn't process your request right now. Press 1 to speak to a representative, or hang up and try again later."
)

// greetingPrompt builds "Hi Alex, you have 2 upcoming shifts."
func greetingPrompt(firstName string, shiftCount int) string {
	noun := "shifts"
	if shiftCount == 1 {
		noun = "shift"
	}
	return fmt.Sprintf("Hi %s, you have %d upcoming %s.", firstName, shiftCount, noun)
}

// providerSelectionPrompt lists the worker's providers as a keyed menu.
func providerSelectionPrompt(providers []catalog.Provider) string {
	var b strings.Builder
	b.WriteString("You work with multiple providers.")
	for i, p := range providers {
		fmt.Fprintf(&b, " Press %d for %s.", i+1, p.Name)
	}
	return b.String()
}

// shiftListPrompt builds the paged shift menu. Digit 1 is reserved for the
// representative; shifts on the current page take digits 2 onward.
// Navigation digits are announced only when the adjacent page exists.
func shiftListPrompt(page []catalog.Shift, pageNum, pageCount int, loc *time.Location) string {
	var b strings.Builder
	b.WriteString("Press 1 to speak to a representative")
	for i, sh := range page {
		fmt.Fprintf(&b, ", press %d for %s on %s", i+2, sh.PatientDisplay, sh.DisplayWhen(loc))
	}
	b.WriteString(".")
	if pageNum+1 < pageCount {
		b.WriteString(" Press 9 for more shifts.")
	}
	if pageNum > 0 {
		b.WriteString(" Press 8 for previous shifts.")
	}
	return b.String()
}

// shiftOptionsPrompt builds the 2-option per-shift menu.
func shiftOptionsPrompt(sh *catalog.Shift, loc *time.Location) string {
	return fmt.Sprintf("For %s on %s: press 1 to release this shift, press 2 to speak to a representative.",
		sh.PatientDisplay, sh.DisplayWhen(loc))
}

// confirmReleasePrompt builds the yes/no confirmation.
func confirmReleasePrompt(sh *catalog.Shift, loc *time.Location) string {
	return fmt.Sprintf("You are about to release %s on %s. Press 1 to confirm, press 2 to go back.",
		sh.PatientDisplay, sh.DisplayWhen(loc))
}
