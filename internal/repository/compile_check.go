package repository

// Compile-time interface compliance checks.
var (
	_ UsersRepo        = (*usersRepo)(nil)
	_ AccountsRepo     = (*accountsRepo)(nil)
	_ PotsRepo         = (*potsRepo)(nil)
	_ CategoriesRepo   = (*categoriesRepo)(nil)
	_ TransactionsRepo = (*transactionsRepo)(nil)
	_ BillsRepo        = (*billsRepo)(nil)
	_ RulesRepo        = (*rulesRepo)(nil)
	_ IntentsRepo      = (*intentsRepo)(nil)
)
