// Package main provides the FFI bridge for mobile platforms.
// Build as shared library: liboffline_sync.so (Android) / OfflineSync.framework (iOS)
//
//	go build -buildmode=c-shared -o liboffline_sync.so ./cmd/mobile
//
// Every export returns a JSON string that must be released with FreeString.
package main

/*
#include <stdlib.h>
*/
import "C"
import (
	"unsafe"
)

//export Init
// Init opens the local store and starts the sync engine. optionsJSON may be
// empty; see InitOptions.
func Init(optionsJSON *C.char) *C.char {
	return C.CString(core.init(C.GoString(optionsJSON)))
}

//export Shutdown
// Shutdown stops background sync and closes the store.
func Shutdown() *C.char {
	return C.CString(core.shutdown())
}

//export AuthSetTokens
// AuthSetTokens stores the token pair obtained at login.
func AuthSetTokens(access, refresh *C.char) *C.char {
	return C.CString(core.setTokens(C.GoString(access), C.GoString(refresh)))
}

//export NetworkUpdate
// NetworkUpdate feeds one reachability observation from the platform.
func NetworkUpdate(eventJSON *C.char) *C.char {
	return C.CString(core.networkUpdate(C.GoString(eventJSON)))
}

// =====================================================
// Entity Operations
// =====================================================

//export EntityCreate
func EntityCreate(kind, dataJSON, userID *C.char) *C.char {
	return C.CString(core.entityCreate(C.GoString(kind), C.GoString(dataJSON), C.GoString(userID)))
}

//export EntityUpdate
func EntityUpdate(kind, id, dataJSON, userID *C.char) *C.char {
	return C.CString(core.entityUpdate(C.GoString(kind), C.GoString(id), C.GoString(dataJSON), C.GoString(userID)))
}

//export EntityDelete
func EntityDelete(kind, id, userID *C.char) *C.char {
	return C.CString(core.entityDelete(C.GoString(kind), C.GoString(id), C.GoString(userID)))
}

//export EntityGet
func EntityGet(kind, id *C.char) *C.char {
	return C.CString(core.entityGet(C.GoString(kind), C.GoString(id)))
}

//export EntityList
func EntityList(kind, userID *C.char) *C.char {
	return C.CString(core.entityList(C.GoString(kind), C.GoString(userID)))
}

// =====================================================
// Quiz Operations
// =====================================================

//export AnswerSave
func AnswerSave(quizID, questionID, userID, content *C.char) *C.char {
	return C.CString(core.answerSave(C.GoString(quizID), C.GoString(questionID), C.GoString(userID), C.GoString(content)))
}

//export AnswerList
func AnswerList(quizID, userID *C.char) *C.char {
	return C.CString(core.answerList(C.GoString(quizID), C.GoString(userID)))
}

//export QuizSubmit
// QuizSubmit stores a submission and queues it for delivery ahead of
// everything else. responsesJSON is an array of {questionId, content}.
func QuizSubmit(quizID, evaluationID, userID, responsesJSON *C.char) *C.char {
	return C.CString(core.quizSubmit(C.GoString(quizID), C.GoString(evaluationID), C.GoString(userID), C.GoString(responsesJSON)))
}

//export ProfileUpdate
func ProfileUpdate(userID, dataJSON *C.char) *C.char {
	return C.CString(core.profileUpdate(C.GoString(userID), C.GoString(dataJSON)))
}

// =====================================================
// Sync Operations
// =====================================================

//export SyncForce
func SyncForce() *C.char {
	return C.CString(core.syncForce())
}

//export SyncStatus
func SyncStatus() *C.char {
	return C.CString(core.syncStatus())
}

//export SyncRetryFailed
func SyncRetryFailed() *C.char {
	return C.CString(core.syncRetryFailed())
}

//export FreeString
func FreeString(ptr *C.char) {
	if ptr != nil {
		C.free(unsafe.Pointer(ptr))
	}
}

func main() {
	// Required for c-shared build mode; never executed.
}
