package store

// Logical layout of the rendezvous tree.
const (
	roomsRoot     = "rooms"
	signalingRoot = "webrtc_signaling"
	messagesRoot  = "encrypted_messages"
)

func RoomPath(roomID string) string { return roomsRoot + "/" + roomID }

func ParticipantsPath(roomID string) string { return RoomPath(roomID) + "/participants" }

func ParticipantPath(roomID, sessionID string) string {
	return ParticipantsPath(roomID) + "/" + sessionID
}

func SignalingPath(roomID string) string { return signalingRoot + "/" + roomID }

func OffersPath(roomID string) string { return SignalingPath(roomID) + "/offers" }

func AnswersPath(roomID string) string { return SignalingPath(roomID) + "/answers" }

func CandidatesPath(roomID string) string { return SignalingPath(roomID) + "/candidates" }

func MessagesPath(roomID string) string { return messagesRoot + "/" + roomID }
