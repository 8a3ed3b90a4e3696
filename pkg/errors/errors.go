package errors

import "fmt"

type PartialFrame struct {
	Buffered int
}

func (e *PartialFrame) Error() string {
	return fmt.Sprintf("Stream closed mid-frame with %d undelimited bytes buffered", e.Buffered)
}

type FrameTooLarge struct {
	Limit int
}

func (e *FrameTooLarge) Error() string {
	return fmt.Sprintf("Frame exceeds maximum size of %d bytes", e.Limit)
}

type NameCollision struct {
	CollisionContext string
	Name             string
}

func (e *NameCollision) Error() string {
	return fmt.Sprintf("Name collision for name '%s' in context '%s'", e.Name, e.CollisionContext)
}

type RegistryFrozen struct {
	Name string
}

func (e *RegistryFrozen) Error() string {
	return fmt.Sprintf("Cannot register handler '%s': registry is frozen after server start", e.Name)
}

type HandlerPanic struct {
	TypeName string
	Value    any
}

func (e *HandlerPanic) Error() string {
	return fmt.Sprintf("Handler for request type '%s' panicked: %v", e.TypeName, e.Value)
}
