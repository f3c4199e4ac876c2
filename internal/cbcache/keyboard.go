package cbcache

// InlineButton is one button of an inline keyboard. Buttons without
// callback data (URL buttons, for instance) pass through the cache untouched.
type InlineButton[T any] struct {
	Text         string
	URL          string
	CallbackData CallbackData[T]
}

// InlineKeyboard is a layout of button rows.
type InlineKeyboard[T any] struct {
	Rows [][]InlineButton[T]
}

// CallbackQuery is a button-press event as delivered by the chat transport.
type CallbackQuery[T any] struct {
	ID          string
	Data        CallbackData[T]
	ReplyMarkup *InlineKeyboard[T]
}
