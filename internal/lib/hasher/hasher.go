package hasher

import "golang.org/x/crypto/bcrypt"

// Cost is fixed at 10 rounds, the bcrypt default.
const cost = bcrypt.DefaultCost

func Hash(password string) ([]byte, error) {
	return bcrypt.GenerateFromPassword([]byte(password), cost)
}

// Verify reports whether password matches the stored hash. A malformed
// stored hash verifies as false rather than surfacing an error.
func Verify(password string, hash []byte) bool {
	return bcrypt.CompareHashAndPassword(hash, []byte(password)) == nil
}
