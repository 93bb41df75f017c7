package contextkey

type contextKey string

const (
	// ContextKeyConnID carries the uuid assigned to one client connection.
	ContextKeyConnID contextKey = "conn_id"
	// ContextKeyRoomID carries the numeric id of the room handling a request.
	ContextKeyRoomID contextKey = "room_id"
)
