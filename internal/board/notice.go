package board

import "fmt"

// TimeLayout is the second-precision layout used for message timestamps.
const TimeLayout = "2006-01-02 15:04:05"

func joinedNotice(user, board string) string {
	if board == PublicBoard {
		return fmt.Sprintf("%s has joined the message board.", user)
	}
	return fmt.Sprintf("%s has joined %s.", user, board)
}

func leftNotice(user, board string) string {
	if board == PublicBoard {
		return fmt.Sprintf("%s has left the message board.", user)
	}
	return fmt.Sprintf("%s has left %s.", user, board)
}

// PostedNotice formats the announcement broadcast when msg is posted. The
// body sits on its own indented line.
func PostedNotice(msg Message) string {
	return fmt.Sprintf("%s; Message ID: %d, Sender: %s, Time Posted: %s, Subject: %s\n\t%s",
		msg.Board, msg.ID, msg.Sender, msg.Timestamp.Format(TimeLayout), msg.Subject, msg.Body)
}
