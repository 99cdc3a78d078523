package remotefs

import "testing"

func TestDecideRemove(t *testing.T) {
	tests := []struct {
		status Status
		want   removeAction
	}{
		{StatusOK, removeDone},
		{StatusIsFile, removeAsFile},
		{StatusNotEmpty, removeChildrenFirst},
		{StatusNotFound, removeFail},
		{StatusOther, removeFail},
	}
	for _, tt := range tests {
		t.Run(tt.status.String(), func(t *testing.T) {
			if got := decideRemove(tt.status); got != tt.want {
				t.Errorf("decideRemove(%s) = %d, want %d", tt.status, got, tt.want)
			}
		})
	}
}
